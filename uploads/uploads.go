// Package uploads tracks image orders through their extraction pipeline.
// An uploaded image is spooled to disk, recorded as PROCESSING, and settles
// in COMPLETED (an order was created), FAILED (a terminal error with its
// cause), or PENDING_REVIEW (extraction could not produce a placeable order
// and a human should look).
package uploads

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/postgres"
)

// Status of an uploaded order.
type Status string

const (
	StatusProcessing    Status = "PROCESSING"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusPendingReview Status = "PENDING_REVIEW"
)

// Upload is one image order being turned into a real order.
type Upload struct {
	ID         string    `json:"id"`
	RetailerID string    `json:"retailer_id"`
	ImageRef   string    `json:"image_ref"`
	Status     Status    `json:"status"`
	OrderID    *string   `json:"order_id,omitempty"`
	LastError  *string   `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists uploaded orders.
type Store struct {
	DB postgres.Queryer
}

func NewStore(db postgres.Queryer) *Store { return &Store{DB: db} }

const uploadColumns = `id, retailer_id, image_ref, status, order_id, last_error, created_at, updated_at`

func scanUpload(row interface{ Scan(...interface{}) error }) (Upload, error) {
	var u Upload
	var err = row.Scan(&u.ID, &u.RetailerID, &u.ImageRef, &u.Status,
		&u.OrderID, &u.LastError, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// Create records a new PROCESSING upload. Passing the same |id| again (a
// replayed webhook event carries the event id here) returns the existing row
// instead of inserting a second one.
func (s *Store) Create(ctx context.Context, id, retailerID, imageRef string) (Upload, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var u, err = scanUpload(s.DB.QueryRow(ctx, `
		INSERT INTO uploaded_orders (id, retailer_id, image_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+uploadColumns, id, retailerID, imageRef))
	if postgres.IsNoRows(err) {
		return s.Get(ctx, id)
	} else if err != nil {
		return Upload{}, fmt.Errorf("creating uploaded order: %w", err)
	}
	return u, nil
}

// Get fetches one upload.
func (s *Store) Get(ctx context.Context, id string) (Upload, error) {
	var u, err = scanUpload(s.DB.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM uploaded_orders WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return u, errs.New(errs.NotFound, "uploaded order %s not found", id)
	} else if err != nil {
		return u, fmt.Errorf("fetching uploaded order: %w", err)
	}
	return u, nil
}

// MarkCompleted settles the upload on the order it produced.
func (s *Store) MarkCompleted(ctx context.Context, id, orderID string) error {
	return s.settle(ctx, id, StatusCompleted, &orderID, nil)
}

// MarkFailed settles the upload on a terminal error.
func (s *Store) MarkFailed(ctx context.Context, id, cause string) error {
	return s.settle(ctx, id, StatusFailed, nil, &cause)
}

// MarkPendingReview parks the upload for a human, recording why.
func (s *Store) MarkPendingReview(ctx context.Context, id, cause string) error {
	return s.settle(ctx, id, StatusPendingReview, nil, &cause)
}

// settle moves a PROCESSING upload to a terminal status. Already-settled
// uploads are left alone so workflow resumption can replay the step.
func (s *Store) settle(ctx context.Context, id string, status Status, orderID, cause *string) error {
	var _, err = s.DB.Exec(ctx, `
		UPDATE uploaded_orders SET
			status     = $2,
			order_id   = COALESCE($3, order_id),
			last_error = $4,
			updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'`,
		id, string(status), orderID, cause)
	if err != nil {
		return fmt.Errorf("settling uploaded order %s: %w", id, err)
	}
	return nil
}

// Spool writes uploaded images under a base directory, one file per upload.
type Spool struct {
	Dir string
}

// Save streams |r| to disk and returns the stored path, which becomes the
// upload's image_ref.
func (sp Spool) Save(id string, r io.Reader) (string, error) {
	if sp.Dir == "" {
		return "", errs.New(errs.ExternalService, "image uploads are not configured")
	}
	if err := os.MkdirAll(sp.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating upload directory: %w", err)
	}

	var path = filepath.Join(sp.Dir, id)
	var f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	defer f.Close()

	if _, err = io.Copy(f, r); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("spooling image: %w", err)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("flushing spool file: %w", err)
	}
	return path, nil
}
