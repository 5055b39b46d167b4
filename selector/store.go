package selector

import (
	"context"
	"fmt"
	"time"

	"github.com/mandihq/mandi/postgres"
)

// Store persists the selector's shared state: per-product round-robin
// counters and the order-share aggregates behind the monopoly cap.
type Store struct {
	DB postgres.Queryer
}

func NewStore(db postgres.Queryer) *Store { return &Store{DB: db} }

// ProductShares counts orders per vendor containing |productID| since
// |since|, and the total across vendors. Orders still unassigned are not
// counted; cancelled orders are, since the vendor was chosen for them.
func (s *Store) ProductShares(ctx context.Context, productID string, since time.Time) (map[string]int, int, error) {
	var rows, err = s.DB.Query(ctx, `
		SELECT o.vendor_id, COUNT(DISTINCT o.id)
		FROM orders o JOIN order_items oi ON oi.order_id = o.id
		WHERE oi.product_id = $1 AND o.vendor_id IS NOT NULL AND o.created_at >= $2
		GROUP BY o.vendor_id`, productID, since)
	if err != nil {
		return nil, 0, fmt.Errorf("counting product order shares: %w", err)
	}
	defer rows.Close()

	var shares = make(map[string]int)
	var total int
	for rows.Next() {
		var vendorID string
		var n int
		if err = rows.Scan(&vendorID, &n); err != nil {
			return nil, 0, fmt.Errorf("scanning product share: %w", err)
		}
		shares[vendorID] = n
		total += n
	}
	return shares, total, rows.Err()
}

// Next advances the product's persistent round-robin counter and returns its
// position modulo |modulus|. The counter survives restarts so rotation is
// fair across processes.
func (s *Store) Next(ctx context.Context, productID string, modulus int) (int, error) {
	if modulus <= 0 {
		return 0, nil
	}
	var counter int64
	var err = s.DB.QueryRow(ctx, `
		INSERT INTO vendor_rr_counters (product_id, counter) VALUES ($1, 1)
		ON CONFLICT (product_id) DO UPDATE SET counter = vendor_rr_counters.counter + 1
		RETURNING counter`, productID).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("advancing round-robin counter: %w", err)
	}
	return int((counter - 1) % int64(modulus)), nil
}
