// Package journal persists per-operation workflow state: which step a
// multi-step operation is on, plus the intermediate results that step needs
// to resume deterministically after a crash. Every critical-path operation
// (dispatch, vendor response, re-selection, image extraction) journals its
// progress here; the recovery worker claims stale workflows and re-invokes
// the recorded step.
package journal

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

// Status of a workflow.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

const (
	// StaleThreshold after which an IN_PROGRESS workflow with no heartbeat
	// is considered abandoned and reclaimable.
	StaleThreshold = 2 * time.Minute
	// MaxAttempts bounds resumptions of one workflow before it is failed
	// and escalated.
	MaxAttempts = 5
)

// State is the step-state carried across workflow steps. Values are stored
// as raw JSON so each step marshals only what it owns.
type State map[string]json.RawMessage

// Set marshals |v| under |key|.
func (s State) Set(key string, v interface{}) error {
	var b, err = json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling step state %q: %w", key, err)
	}
	s[key] = b
	return nil
}

// Get unmarshals the value under |key| into |v|, reporting whether it exists.
func (s State) Get(key string, v interface{}) (bool, error) {
	var b, ok = s[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("unmarshaling step state %q: %w", key, err)
	}
	return true, nil
}

// Workflow is one journaled operation.
type Workflow struct {
	ID          string
	OrderID     *string
	Type        string
	CurrentStep string
	StepState   State
	Status      Status
	Attempts    int
	LastError   *string
	HeartbeatAt time.Time
	StartedAt   time.Time
}

// Store persists workflows. The step lists of every workflow type are fixed
// at construction; Advance validates step ordering against them.
type Store struct {
	db    postgres.Queryer
	clock clockz.Clock
	types map[string][]string
}

func NewStore(db postgres.Queryer, clock clockz.Clock, types map[string][]string) *Store {
	return &Store{db: db, clock: clock, types: types}
}

// Steps returns the ordered step names of a workflow type.
func (s *Store) Steps(wfType string) []string { return s.types[wfType] }

func (s *Store) ordinal(wfType, step string) (int, error) {
	var steps, ok = s.types[wfType]
	if !ok {
		return 0, errs.New(errs.Validation, "unknown workflow type %q", wfType)
	}
	for i, name := range steps {
		if name == step {
			return i, nil
		}
	}
	return 0, errs.New(errs.Validation, "workflow type %q has no step %q", wfType, step)
}

const wfColumns = `id, order_id, type, current_step, step_state, status,
	attempts, last_error, heartbeat_at, started_at`

func scanWorkflow(row interface{ Scan(...interface{}) error }) (Workflow, error) {
	var w Workflow
	var state []byte
	var err = row.Scan(&w.ID, &w.OrderID, &w.Type, &w.CurrentStep, &state,
		&w.Status, &w.Attempts, &w.LastError, &w.HeartbeatAt, &w.StartedAt)
	if err != nil {
		return w, err
	}
	if err = json.Unmarshal(state, &w.StepState); err != nil {
		return w, fmt.Errorf("unmarshaling step state: %w", err)
	}
	return w, nil
}

// Begin journals a new workflow at the first step of its type. The initial
// state must carry everything a resumption needs to re-run that step.
func (s *Store) Begin(ctx context.Context, wfType string, orderID *string, state State) (Workflow, error) {
	var steps, ok = s.types[wfType]
	if !ok || len(steps) == 0 {
		return Workflow{}, errs.New(errs.Validation, "unknown workflow type %q", wfType)
	}
	if state == nil {
		state = State{}
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return Workflow{}, fmt.Errorf("marshaling step state: %w", err)
	}

	w, err := scanWorkflow(s.db.QueryRow(ctx, `
		INSERT INTO workflow_states (id, order_id, type, current_step, step_state, heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+wfColumns,
		uuid.NewString(), orderID, wfType, steps[0], stateJSON, s.clock.Now().UTC()))
	if err != nil {
		return Workflow{}, fmt.Errorf("beginning %s workflow: %w", wfType, err)
	}
	return w, nil
}

// Get fetches one workflow.
func (s *Store) Get(ctx context.Context, id string) (Workflow, error) {
	var w, err = scanWorkflow(s.db.QueryRow(ctx,
		`SELECT `+wfColumns+` FROM workflow_states WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return w, errs.New(errs.NotFound, "workflow %s not found", id)
	} else if err != nil {
		return w, fmt.Errorf("fetching workflow: %w", err)
	}
	return w, nil
}

// Advance moves a workflow to |step| carrying |state| forward, and bumps the
// heartbeat. Advancing to the current step is a no-op; moving backward is a
// conflict. The update is guarded on the previously observed step so two
// concurrent holders cannot interleave advances.
func (s *Store) Advance(ctx context.Context, id, step string, state State) error {
	for {
		var w, err = s.Get(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != StatusInProgress {
			return errs.New(errs.Conflict, "workflow %s is %s and cannot advance", id, w.Status)
		}

		current, err := s.ordinal(w.Type, w.CurrentStep)
		if err != nil {
			return err
		}
		target, err := s.ordinal(w.Type, step)
		if err != nil {
			return err
		}
		if target == current {
			return nil // Duplicate advance; resumption is idempotent.
		}
		if target < current {
			return errs.New(errs.Conflict, "workflow %s cannot regress from %s to %s",
				id, w.CurrentStep, step)
		}

		stateJSON, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshaling step state: %w", err)
		}

		tag, err := s.db.Exec(ctx, `
			UPDATE workflow_states SET
				current_step = $2,
				step_state   = $3,
				heartbeat_at = $4,
				updated_at   = now()
			WHERE id = $1 AND current_step = $5 AND status = 'IN_PROGRESS'`,
			id, step, stateJSON, s.clock.Now().UTC(), w.CurrentStep)
		if err != nil {
			return fmt.Errorf("advancing workflow %s to %s: %w", id, step, err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// Lost a race with another holder; re-read and re-validate.
	}
}

// BindOrder backfills the workflow's order reference. A dispatch workflow
// begins before its order row exists (the column is a foreign key), so the
// order id rides in step state until the draft is persisted.
func (s *Store) BindOrder(ctx context.Context, id, orderID string) error {
	var _, err = s.db.Exec(ctx, `
		UPDATE workflow_states SET order_id = $2, updated_at = now()
		WHERE id = $1 AND order_id IS NULL`, id, orderID)
	if err != nil {
		return fmt.Errorf("binding workflow %s to order: %w", id, err)
	}
	return nil
}

// SaveState persists |state| without moving the step, bumping the heartbeat.
// Steps that compute an input for the NEXT step (vendor selection writes its
// ranked candidate list here) save it mid-step so a resumption re-reads the
// same result rather than recomputing it.
func (s *Store) SaveState(ctx context.Context, id string, state State) error {
	var stateJSON, err = json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling step state: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_states SET step_state = $2, heartbeat_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'`,
		id, stateJSON, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving workflow %s state: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.Conflict, "workflow %s is not in progress", id)
	}
	return nil
}

// Heartbeat bumps heartbeat_at of a long-running step.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	var _, err = s.db.Exec(ctx, `
		UPDATE workflow_states SET heartbeat_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'`, id, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("heartbeating workflow %s: %w", id, err)
	}
	return nil
}

// Complete finalizes a workflow. Completed workflows are never resumed.
func (s *Store) Complete(ctx context.Context, id string) error {
	var _, err = s.db.Exec(ctx, `
		UPDATE workflow_states SET
			status = 'COMPLETED', completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'`, id)
	if err != nil {
		return fmt.Errorf("completing workflow %s: %w", id, err)
	}
	return nil
}

// Fail terminally fails a workflow.
func (s *Store) Fail(ctx context.Context, id string, cause string) error {
	var _, err = s.db.Exec(ctx, `
		UPDATE workflow_states SET
			status = 'FAILED', last_error = $2, updated_at = now()
		WHERE id = $1 AND status = 'IN_PROGRESS'`, id, cause)
	if err != nil {
		return fmt.Errorf("failing workflow %s: %w", id, err)
	}
	return nil
}

// CountIncomplete reports how many workflows are IN_PROGRESS. A process logs
// this at startup before its first recovery pass reclaims the stale ones.
func (s *Store) CountIncomplete(ctx context.Context) (int, error) {
	var n int
	var err = s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_states WHERE status = 'IN_PROGRESS'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting incomplete workflows: %w", err)
	}
	return n, nil
}

// ClaimStale claims up to |limit| IN_PROGRESS workflows whose heartbeat
// predates |cutoff|, bumping their heartbeat and attempt count so concurrent
// recovery workers do not double-resume. The caller decides, from Attempts,
// whether to resume or fail-and-escalate each claim.
func (s *Store) ClaimStale(ctx context.Context, cutoff time.Time, limit int) ([]Workflow, error) {
	var rows, err = s.db.Query(ctx, `
		UPDATE workflow_states SET
			heartbeat_at = $2,
			attempts     = attempts + 1,
			updated_at   = now()
		WHERE id IN (
			SELECT id FROM workflow_states
			WHERE status = 'IN_PROGRESS' AND heartbeat_at < $1
			ORDER BY heartbeat_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+wfColumns,
		cutoff.UTC(), s.clock.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming stale workflows: %w", err)
	}
	defer rows.Close()

	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning claimed workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
