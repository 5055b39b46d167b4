package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
)

const (
	// MaxSerializableRetries bounds retries of serialization conflicts.
	MaxSerializableRetries = 5
	retryBaseDelay         = 20 * time.Millisecond
)

// Beginner begins transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

var _ Beginner = (*pgxpool.Pool)(nil)

// RunSerializable runs |fn| inside a SERIALIZABLE transaction, retrying
// serialization failures and deadlocks with exponential backoff. On
// exhaustion the last error surfaces as TRANSIENT.
func RunSerializable(ctx context.Context, db Beginner, fn func(pgx.Tx) error) error {
	var delay = retryBaseDelay

	for attempt := 1; ; attempt++ {
		var err = runOnce(ctx, db, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil {
			return nil
		}
		if !IsSerializationFailure(err) || attempt == MaxSerializableRetries {
			if IsSerializationFailure(err) {
				return errs.Wrap(errs.Transient, err, "transaction retries exhausted")
			}
			return err
		}

		log.WithFields(log.Fields{"attempt": attempt, "err": err}).
			Debug("retrying serializable transaction")

		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunTx runs |fn| inside a default-isolation transaction (no retry loop).
func RunTx(ctx context.Context, db Beginner, fn func(pgx.Tx) error) error {
	return runOnce(ctx, db, pgx.TxOptions{}, fn)
}

func runOnce(ctx context.Context, db Beginner, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	var tx, err = db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// IsSerializationFailure matches Postgres serialization (40001) and
// deadlock (40P01) SQLSTATEs anywhere in the chain.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation matches SQLSTATE 23505, optionally on a named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsCheckViolation matches SQLSTATE 23514, optionally on a named constraint.
func IsCheckViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23514" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsNoRows matches pgx.ErrNoRows.
func IsNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
