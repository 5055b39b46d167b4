package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/postgres"
)

const (
	// ResponseTimeout is how long an assigned vendor has to accept or decline.
	ResponseTimeout = 2 * time.Hour
	// MaxVendorAttempts bounds the assignment ladder before admin escalation.
	MaxVendorAttempts = 5
)

// RetryStatus of one vendor assignment attempt.
type RetryStatus string

const (
	RetryPending  RetryStatus = "PENDING"
	RetryAccepted RetryStatus = "ACCEPTED"
	RetryRejected RetryStatus = "REJECTED"
	RetryTimeout  RetryStatus = "TIMEOUT"
)

// Retry is one rung of an order's vendor assignment ladder. At most one
// PENDING row exists per order, enforced by a partial unique index.
type Retry struct {
	ID               string      `json:"id"`
	OrderID          string      `json:"order_id"`
	Attempt          int         `json:"attempt"`
	VendorID         string      `json:"vendor_id"`
	AssignedAt       time.Time   `json:"assigned_at"`
	ResponseDeadline time.Time   `json:"response_deadline"`
	Status           RetryStatus `json:"status"`
	RespondedAt      *time.Time  `json:"responded_at,omitempty"`
}

// RetryStore persists vendor assignment attempts.
type RetryStore struct {
	DB    postgres.Queryer
	clock clockz.Clock
}

func NewRetryStore(db postgres.Queryer, clock clockz.Clock) *RetryStore {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &RetryStore{DB: db, clock: clock}
}

const retryColumns = `id, order_id, attempt, vendor_id, assigned_at, response_deadline, status, responded_at`

func scanRetry(row interface{ Scan(...interface{}) error }) (Retry, error) {
	var r Retry
	var err = row.Scan(&r.ID, &r.OrderID, &r.Attempt, &r.VendorID, &r.AssignedAt,
		&r.ResponseDeadline, &r.Status, &r.RespondedAt)
	return r, err
}

// OpenTx opens the order's next assignment attempt for |vendorID| with a
// fresh response deadline. If a PENDING attempt already exists it is returned
// as-is when it names the same vendor (idempotent resumption) and rejected
// with CONFLICT otherwise.
func (s *RetryStore) OpenTx(ctx context.Context, q postgres.Queryer, orderID, vendorID string) (Retry, error) {
	if open, ok, err := s.pending(ctx, q, orderID); err != nil {
		return Retry{}, err
	} else if ok {
		if open.VendorID == vendorID {
			return open, nil
		}
		return Retry{}, errs.New(errs.Conflict,
			"order %s already has a pending assignment for another vendor", orderID)
	}

	var attempt int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) + 1 FROM vendor_assignment_retries WHERE order_id = $1`,
		orderID).Scan(&attempt); err != nil {
		return Retry{}, fmt.Errorf("counting assignment attempts: %w", err)
	}

	var now = s.clock.Now()
	var r = Retry{
		ID:               uuid.NewString(),
		OrderID:          orderID,
		Attempt:          attempt,
		VendorID:         vendorID,
		AssignedAt:       now,
		ResponseDeadline: now.Add(ResponseTimeout),
		Status:           RetryPending,
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO vendor_assignment_retries
		  (id, order_id, attempt, vendor_id, assigned_at, response_deadline, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')`,
		r.ID, r.OrderID, r.Attempt, r.VendorID, r.AssignedAt, r.ResponseDeadline); err != nil {
		if postgres.IsUniqueViolation(err, "") {
			return Retry{}, errs.Wrap(errs.Conflict, err,
				"order %s already has a pending assignment", orderID)
		}
		return Retry{}, fmt.Errorf("opening assignment attempt: %w", err)
	}
	return r, nil
}

// Pending returns the order's open assignment attempt, if any.
func (s *RetryStore) Pending(ctx context.Context, orderID string) (Retry, bool, error) {
	return s.pending(ctx, s.DB, orderID)
}

func (s *RetryStore) pending(ctx context.Context, q postgres.Queryer, orderID string) (Retry, bool, error) {
	var r, err = scanRetry(q.QueryRow(ctx,
		`SELECT `+retryColumns+` FROM vendor_assignment_retries
		 WHERE order_id = $1 AND status = 'PENDING'`, orderID))
	if postgres.IsNoRows(err) {
		return Retry{}, false, nil
	} else if err != nil {
		return Retry{}, false, fmt.Errorf("fetching pending assignment: %w", err)
	}
	return r, true, nil
}

// PendingForVendor resolves a vendor's open assignment, used to route inbound
// vendor replies to the order awaiting them.
func (s *RetryStore) PendingForVendor(ctx context.Context, vendorID string) (Retry, bool, error) {
	var r, err = scanRetry(s.DB.QueryRow(ctx,
		`SELECT `+retryColumns+` FROM vendor_assignment_retries
		 WHERE vendor_id = $1 AND status = 'PENDING'
		 ORDER BY assigned_at ASC LIMIT 1`, vendorID))
	if postgres.IsNoRows(err) {
		return Retry{}, false, nil
	} else if err != nil {
		return Retry{}, false, fmt.Errorf("fetching vendor's pending assignment: %w", err)
	}
	return r, true, nil
}

// MarkResponded closes a PENDING attempt with the vendor's outcome. The
// update is guarded on PENDING so concurrent closers race safely: the loser
// sees the winner's terminal status, which is returned as-is when it matches
// (idempotent) and as CONFLICT when it does not.
func (s *RetryStore) MarkResponded(ctx context.Context, q postgres.Queryer, id string, outcome RetryStatus) (Retry, error) {
	if outcome == RetryPending {
		return Retry{}, errs.New(errs.Validation, "PENDING is not a response outcome")
	}
	var r, err = scanRetry(q.QueryRow(ctx, `
		UPDATE vendor_assignment_retries
		SET status = $2, responded_at = $3
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+retryColumns, id, string(outcome), s.clock.Now()))
	if err == nil {
		return r, nil
	}
	if !postgres.IsNoRows(err) {
		return Retry{}, fmt.Errorf("closing assignment attempt: %w", err)
	}

	r, err = scanRetry(q.QueryRow(ctx,
		`SELECT `+retryColumns+` FROM vendor_assignment_retries WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return Retry{}, errs.New(errs.NotFound, "assignment attempt %s not found", id)
	} else if err != nil {
		return Retry{}, fmt.Errorf("fetching assignment attempt: %w", err)
	}
	if r.Status == outcome {
		return r, nil
	}
	return Retry{}, errs.New(errs.Conflict,
		"assignment attempt %s already closed as %s", id, r.Status)
}

// CountAttempts returns how many assignment attempts the order has used.
func (s *RetryStore) CountAttempts(ctx context.Context, q postgres.Queryer, orderID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM vendor_assignment_retries WHERE order_id = $1`,
		orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting assignment attempts: %w", err)
	}
	return n, nil
}

// AttemptedVendors lists vendors already tried for the order, for exclusion
// from re-selection.
func (s *RetryStore) AttemptedVendors(ctx context.Context, orderID string) ([]string, error) {
	var rows, err = s.DB.Query(ctx,
		`SELECT vendor_id FROM vendor_assignment_retries WHERE order_id = $1 ORDER BY attempt`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("listing attempted vendors: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning attempted vendor: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ExpiredPending returns PENDING attempts whose response deadline passed,
// oldest deadline first. Closing them races through MarkResponded's guard.
func (s *RetryStore) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]Retry, error) {
	var rows, err = s.DB.Query(ctx, `
		SELECT `+retryColumns+` FROM vendor_assignment_retries
		WHERE status = 'PENDING' AND response_deadline < $1
		ORDER BY response_deadline ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired assignments: %w", err)
	}
	defer rows.Close()

	var out []Retry
	for rows.Next() {
		r, err := scanRetry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired assignment: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
