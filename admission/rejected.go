package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/postgres"
)

// Rejection is a persisted admission rejection. The full parsed intent rides
// along so a rejected order is never lost for review.
type Rejection struct {
	ID         string           `json:"id"`
	RetailerID string           `json:"retailer_id"`
	ReasonCode string           `json:"reason_code"`
	Reason     string           `json:"reason"`
	Shortfall  *decimal.Decimal `json:"shortfall,omitempty"`
	Source     string           `json:"source"`
	Intent     json.RawMessage  `json:"intent"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RejectedStore persists admission rejections.
type RejectedStore struct {
	DB postgres.Queryer
}

func NewRejectedStore(db postgres.Queryer) *RejectedStore { return &RejectedStore{DB: db} }

// Persist writes a rejection row built from |d| and the raw intent. Callers
// replaying a journaled rejection pass the same |id| to keep the write
// idempotent; an empty id gets a fresh one.
func (s *RejectedStore) Persist(ctx context.Context, id, retailerID, source string, d Decision, intent interface{}) (Rejection, error) {
	var raw, err = json.Marshal(intent)
	if err != nil {
		return Rejection{}, fmt.Errorf("encoding rejected intent: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	var rej = Rejection{
		ID:         id,
		RetailerID: retailerID,
		ReasonCode: d.ReasonCode,
		Reason:     d.Reason,
		Source:     source,
		Intent:     raw,
	}
	if d.ReasonCode == CodeCreditLimitExceeded {
		var shortfall = d.Shortfall
		rej.Shortfall = &shortfall
	}

	if _, err = s.DB.Exec(ctx, `
		INSERT INTO rejected_orders (id, retailer_id, reason_code, reason, shortfall, source, intent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		rej.ID, rej.RetailerID, rej.ReasonCode, rej.Reason, rej.Shortfall, rej.Source, raw); err != nil {
		return Rejection{}, fmt.Errorf("persisting rejected order: %w", err)
	}

	log.WithFields(log.Fields{
		"retailer": retailerID,
		"code":     d.ReasonCode,
		"source":   source,
	}).Info("rejected order persisted")
	return rej, nil
}

// ListByRetailer returns the retailer's rejections, newest first.
func (s *RejectedStore) ListByRetailer(ctx context.Context, retailerID string, limit int) ([]Rejection, error) {
	var rows, err = s.DB.Query(ctx, `
		SELECT id, retailer_id, reason_code, reason, shortfall, source, intent, created_at
		FROM rejected_orders WHERE retailer_id = $1
		ORDER BY created_at DESC LIMIT $2`, retailerID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing rejected orders: %w", err)
	}
	defer rows.Close()

	var out []Rejection
	for rows.Next() {
		var r Rejection
		if err = rows.Scan(&r.ID, &r.RetailerID, &r.ReasonCode, &r.Reason,
			&r.Shortfall, &r.Source, &r.Intent, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning rejected order: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
