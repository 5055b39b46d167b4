package lifecycle

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/scoring"
)

// RecordVendorResponse closes an assignment attempt with the vendor's outcome
// and, in the same transaction, records the matching score event and releases
// the vendor's pending slot for REJECTED and TIMEOUT outcomes. A replay
// against an attempt already closed with the same outcome returns it
// unchanged; a different outcome is a conflict.
func (m *Machine) RecordVendorResponse(ctx context.Context, retryID string, outcome RetryStatus) (Retry, error) {
	if outcome == RetryPending {
		return Retry{}, errs.New(errs.Validation, "PENDING is not a response outcome")
	}

	var out Retry
	var err = postgres.RunSerializable(ctx, m.db, func(tx pgx.Tx) error {
		var r, err = scanRetry(tx.QueryRow(ctx, `
			UPDATE vendor_assignment_retries
			SET status = $2, responded_at = $3
			WHERE id = $1 AND status = 'PENDING'
			RETURNING `+retryColumns, retryID, string(outcome), m.clock.Now()))
		if postgres.IsNoRows(err) {
			// Already closed. Idempotent when the outcome matches.
			r, err = scanRetry(tx.QueryRow(ctx,
				`SELECT `+retryColumns+` FROM vendor_assignment_retries WHERE id = $1`, retryID))
			if postgres.IsNoRows(err) {
				return errs.New(errs.NotFound, "assignment attempt %s not found", retryID)
			} else if err != nil {
				return fmt.Errorf("fetching assignment attempt: %w", err)
			}
			if r.Status != outcome {
				return errs.New(errs.Conflict,
					"assignment attempt %s already closed as %s", retryID, r.Status)
			}
			out = r
			return nil
		} else if err != nil {
			return fmt.Errorf("closing assignment attempt: %w", err)
		}
		out = r

		var ev = scoring.Event{VendorID: r.VendorID, OrderID: &r.OrderID}
		switch outcome {
		case RetryAccepted, RetryRejected:
			var minutes = decimal.NewFromFloat(r.RespondedAt.Sub(r.AssignedAt).Minutes()).Round(2)
			ev.Kind = scoring.KindAccepted
			if outcome == RetryRejected {
				ev.Kind = scoring.KindRejected
			}
			ev.Data = scoring.ResponseData(minutes)
		case RetryTimeout:
			ev.Kind = scoring.KindLateResponse
		}
		if err = m.scorer.RecordTx(ctx, tx, ev); err != nil {
			return err
		}

		if outcome == RetryRejected || outcome == RetryTimeout {
			return m.catalog.AdjustOrderCounts(ctx, tx, r.VendorID, 0, -1)
		}
		return nil
	})
	if err != nil {
		return Retry{}, err
	}

	log.WithFields(log.Fields{
		"order":   out.OrderID,
		"vendor":  out.VendorID,
		"attempt": out.Attempt,
		"outcome": out.Status,
	}).Info("vendor responded to assignment")
	return out, nil
}

// Retreat returns a VENDOR_ASSIGNED order to CONFIRMED after its assignment
// ladder came up empty, clearing the vendor and optionally flagging the order
// for an admin. The retreat is appended to the status log like any other
// transition. Retreating an order already in CONFIRMED is a no-op so workflow
// resumption can replay it.
func (m *Machine) Retreat(ctx context.Context, orderID, reason string, needsAdmin bool) (Order, error) {
	var out Order
	var applied bool
	var err = postgres.RunSerializable(ctx, m.db, func(tx pgx.Tx) error {
		var o, err = m.orders.lockForTransition(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status == StatusConfirmed {
			out, applied = o, false
			return nil
		}
		if o.Status != StatusVendorAssigned {
			return errs.New(errs.Conflict,
				"cannot retreat order %s from %s", o.OrderNumber, o.Status)
		}

		// A pending attempt should already be closed by the response that
		// triggered the retreat; time out a straggler so no slot leaks.
		if open, ok, err := m.retries.pending(ctx, tx, o.ID); err != nil {
			return err
		} else if ok {
			if _, err = m.retries.MarkResponded(ctx, tx, open.ID, RetryTimeout); err != nil {
				return err
			}
			if err = m.catalog.AdjustOrderCounts(ctx, tx, open.VendorID, 0, -1); err != nil {
				return err
			}
		}

		var now = m.clock.Now()
		if _, err = tx.Exec(ctx, `
			UPDATE orders SET
				status             = 'CONFIRMED',
				vendor_id          = NULL,
				needs_admin        = needs_admin OR $2,
				last_transition_at = $3,
				updated_at         = $3
			WHERE id = $1`, o.ID, needsAdmin, now); err != nil {
			return fmt.Errorf("retreating order: %w", err)
		}
		if _, err = tx.Exec(ctx, `
			INSERT INTO order_status_logs (order_id, from_status, to_status, actor_id, reason)
			VALUES ($1, $2, $3, 'system', NULLIF($4, ''))`,
			o.ID, string(StatusVendorAssigned), string(StatusConfirmed), reason); err != nil {
			return fmt.Errorf("appending status log: %w", err)
		}

		o.Status = StatusConfirmed
		o.VendorID = nil
		o.NeedsAdmin = o.NeedsAdmin || needsAdmin
		o.LastTransitionAt = now
		o.UpdatedAt = now
		out, applied = o, true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if applied {
		ops.Transitions.WithLabelValues(string(StatusVendorAssigned), string(StatusConfirmed)).Inc()
		log.WithFields(log.Fields{
			"order":      out.ID,
			"number":     out.OrderNumber,
			"reason":     reason,
			"needsAdmin": out.NeedsAdmin,
		}).Info("order retreated to CONFIRMED")
		if m.sink != nil {
			m.sink.OrderTransitioned(ctx, StatusVendorAssigned, out)
		}
	}
	return out, nil
}
