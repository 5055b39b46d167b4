// Package postgres owns the connection pool, the serializable-transaction
// retry loop, and schema migrations. Every store in the repository speaks to
// the database through the Queryer interface so the same method runs against
// the pool or inside a caller-held transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Queryer is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var _ Queryer = (*pgxpool.Pool)(nil)
var _ Queryer = (pgx.Tx)(nil)

// Connect opens a pool against |url| and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	var cfg, err = pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("building connection pool: %w", err)
	}

	var pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.WithFields(log.Fields{
		"host":     cfg.ConnConfig.Host,
		"database": cfg.ConnConfig.Database,
	}).Info("opened database pool")

	return pool, nil
}
