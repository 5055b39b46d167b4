// Package eventstore is the durable append-only store of inbound webhook
// events. Events are written before the webhook HTTP response is sent, which
// turns an unreliable provider callback into a reliable queue element. The
// (channel, external_id) unique key makes provider retries idempotent, and
// lease-based claiming lets multiple worker processes drain the queue safely.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/postgres"
)

// Status of a webhook event.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

const (
	// MaxAttempts before an event is dead-lettered.
	MaxAttempts = 3
	// LeaseTimeout after which a PROCESSING claim is reclaimable.
	LeaseTimeout = 5 * time.Minute

	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// Event is one durably stored inbound webhook.
type Event struct {
	ID             string
	Channel        string
	ExternalID     string
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	LastError      *string
	NextAttemptAt  *time.Time
	LeaseExpiresAt *time.Time
	ReceivedAt     time.Time
}

// Backoff returns the retry delay after |failures| prior failures:
// exponential from 30s, capped at one hour.
func Backoff(failures int) time.Duration {
	var d = backoffBase
	for i := 0; i < failures && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Store persists webhook events.
type Store struct {
	db    postgres.Queryer
	clock clockz.Clock
}

func NewStore(db postgres.Queryer, clock clockz.Clock) *Store {
	return &Store{db: db, clock: clock}
}

const eventColumns = `id, channel, external_id, payload, status, attempts,
	last_error, next_attempt_at, lease_expires_at, received_at`

func scanEvent(row interface{ Scan(...interface{}) error }) (Event, error) {
	var e Event
	var err = row.Scan(&e.ID, &e.Channel, &e.ExternalID, &e.Payload, &e.Status,
		&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.LeaseExpiresAt, &e.ReceivedAt)
	return e, err
}

// Record stores an inbound event durably. It returns stored=false and the
// existing event when (channel, externalID) was seen before.
func (s *Store) Record(ctx context.Context, channel, externalID string, payload json.RawMessage) (Event, bool, error) {
	var e, err = scanEvent(s.db.QueryRow(ctx, `
		INSERT INTO webhook_events (id, channel, external_id, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel, external_id) DO NOTHING
		RETURNING `+eventColumns,
		uuid.NewString(), channel, externalID, payload))

	if err == nil {
		return e, true, nil
	} else if !postgres.IsNoRows(err) {
		return Event{}, false, fmt.Errorf("recording webhook event: %w", err)
	}

	// Conflict: the provider retried a delivery we already hold.
	e, err = scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE channel = $1 AND external_id = $2`,
		channel, externalID))
	if err != nil {
		return Event{}, false, fmt.Errorf("fetching duplicate webhook event: %w", err)
	}
	return e, false, nil
}

// Get fetches one event by id.
func (s *Store) Get(ctx context.Context, id string) (Event, error) {
	var e, err = scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return e, errs.New(errs.NotFound, "webhook event %s not found", id)
	} else if err != nil {
		return e, fmt.Errorf("fetching webhook event: %w", err)
	}
	return e, nil
}

// ClaimPending atomically claims up to |limit| events: due PENDING events,
// plus PROCESSING events whose lease has expired. Claimed events flip to
// PROCESSING with a fresh lease. Only the lease holder may then finalize
// them; SKIP LOCKED keeps concurrent claimers from colliding.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]Event, error) {
	var now = s.clock.Now().UTC()

	var rows, err = s.db.Query(ctx, `
		UPDATE webhook_events SET
			status           = 'PROCESSING',
			lease_expires_at = $2,
			updated_at       = now()
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE (status = 'PENDING' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
			   OR (status = 'PROCESSING' AND lease_expires_at < $1)
			ORDER BY received_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		now, now.Add(LeaseTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming pending events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Complete finalizes a claimed event.
func (s *Store) Complete(ctx context.Context, id string) error {
	var tag, err = s.db.Exec(ctx, `
		UPDATE webhook_events SET
			status           = 'COMPLETED',
			lease_expires_at = NULL,
			updated_at       = now()
		WHERE id = $1 AND status = 'PROCESSING'`, id)
	if err != nil {
		return fmt.Errorf("completing event %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.Conflict, "event %s is not held for processing", id)
	}
	return nil
}

// Fail records a processing failure. The event returns to PENDING with the
// given next attempt time, or moves to FAILED (dead letter) once attempts
// reach MaxAttempts. It reports whether the event was dead-lettered so the
// caller can escalate.
func (s *Store) Fail(ctx context.Context, id string, cause string, nextAttemptAt time.Time) (bool, error) {
	var status Status
	var err = s.db.QueryRow(ctx, `
		UPDATE webhook_events SET
			attempts         = attempts + 1,
			status           = CASE WHEN attempts + 1 >= $3 THEN 'FAILED' ELSE 'PENDING' END,
			last_error       = $2,
			next_attempt_at  = CASE WHEN attempts + 1 >= $3 THEN NULL ELSE $4 END,
			lease_expires_at = NULL,
			updated_at       = now()
		WHERE id = $1
		RETURNING status`, id, cause, MaxAttempts, nextAttemptAt.UTC()).Scan(&status)
	if postgres.IsNoRows(err) {
		return false, errs.New(errs.NotFound, "webhook event %s not found", id)
	} else if err != nil {
		return false, fmt.Errorf("failing event %s: %w", id, err)
	}
	return status == StatusFailed, nil
}
