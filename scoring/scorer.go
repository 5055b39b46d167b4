package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/postgres"
)

// Scorer records score events and serves snapshots. Reads go through a small
// in-process LRU in front of the vendor_score_snapshots table; both are
// refreshed lazily when a snapshot is dirty or older than the TTL.
type Scorer struct {
	db      postgres.Queryer
	clock   clockz.Clock
	weights Weights
	ttl     time.Duration
	cache   *lru.Cache[string, Snapshot]
}

// NewScorer builds a Scorer over |db| with the given component weights.
func NewScorer(db postgres.Queryer, clock clockz.Clock, weights Weights) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	cache, err := lru.New[string, Snapshot](1024)
	if err != nil {
		return nil, fmt.Errorf("building snapshot cache: %w", err)
	}
	return &Scorer{
		db:      db,
		clock:   clock,
		weights: weights,
		ttl:     SnapshotTTL,
		cache:   cache,
	}, nil
}

const insertEventSQL = `
INSERT INTO vendor_score_events (vendor_id, kind, order_id, data, occurred_at)
VALUES ($1, $2, $3, $4, $5)
`

const dirtySnapshotSQL = `
UPDATE vendor_score_snapshots SET dirty = TRUE WHERE vendor_id = $1
`

// Record appends |ev| to the event stream and dirties the vendor's snapshot.
func (s *Scorer) Record(ctx context.Context, ev Event) error {
	return s.RecordTx(ctx, s.db, ev)
}

// RecordTx is Record running on an enclosing transaction, so lifecycle
// transitions can append score events atomically with the status change.
// PERIODIC events describe a recomputation and do not re-dirty the snapshot.
func (s *Scorer) RecordTx(ctx context.Context, q postgres.Queryer, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock.Now()
	}
	var data = []byte("{}")
	if ev.Data != nil {
		var err error
		if data, err = json.Marshal(ev.Data); err != nil {
			return fmt.Errorf("encoding score event data: %w", err)
		}
	}
	if _, err := q.Exec(ctx, insertEventSQL,
		ev.VendorID, string(ev.Kind), ev.OrderID, data, ev.OccurredAt); err != nil {
		return fmt.Errorf("recording %s score event: %w", ev.Kind, err)
	}
	if ev.Kind == KindPeriodic {
		return nil
	}
	if _, err := q.Exec(ctx, dirtySnapshotSQL, ev.VendorID); err != nil {
		return fmt.Errorf("dirtying score snapshot: %w", err)
	}
	s.cache.Remove(ev.VendorID)
	return nil
}

// Score returns the vendor's snapshot, recomputing when dirty or stale.
func (s *Scorer) Score(ctx context.Context, vendorID string) (Snapshot, error) {
	var now = s.clock.Now()
	if snap, ok := s.cache.Get(vendorID); ok && now.Sub(snap.ComputedAt) < s.ttl {
		return snap, nil
	}
	snap, ok, err := s.loadSnapshot(ctx, vendorID)
	if err != nil {
		return Snapshot{}, err
	}
	if ok && now.Sub(snap.ComputedAt) < s.ttl {
		s.cache.Add(vendorID, snap)
		return snap, nil
	}
	return s.Recompute(ctx, vendorID)
}

// Top returns up to |k| vendor ids among those offering |productID|,
// ordered by overall score descending. Equal scores order by vendor id so
// the ranking is stable across recomputations.
func (s *Scorer) Top(ctx context.Context, productID string, k int) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT vendor_id FROM vendor_products WHERE product_id = $1`, productID)
	if err != nil {
		return nil, fmt.Errorf("listing vendors of product %s: %w", productID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning vendor id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing vendors of product %s: %w", productID, err)
	}

	var snaps = make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Score(ctx, id)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].Overall.Equal(snaps[j].Overall) {
			return snaps[i].Overall.GreaterThan(snaps[j].Overall)
		}
		return snaps[i].VendorID < snaps[j].VendorID
	})
	if len(snaps) > k {
		snaps = snaps[:k]
	}
	var out = make([]string, len(snaps))
	for i, snap := range snaps {
		out[i] = snap.VendorID
	}
	return out, nil
}

// Recompute rebuilds the vendor's snapshot from the event stream and the
// current catalog, persists it, and refreshes the cache.
func (s *Scorer) Recompute(ctx context.Context, vendorID string) (Snapshot, error) {
	var now = s.clock.Now()
	stats, err := s.statsFor(ctx, vendorID, now)
	if err != nil {
		return Snapshot{}, err
	}
	var snap = Compute(vendorID, stats, s.weights, now)
	if err := s.saveSnapshot(ctx, snap); err != nil {
		return Snapshot{}, err
	}
	s.cache.Add(vendorID, snap)

	log.WithFields(log.Fields{
		"vendor":  vendorID,
		"overall": snap.Overall,
		"tier":    snap.Tier,
	}).Debug("recomputed vendor score")
	return snap, nil
}

// RecomputeStale refreshes up to |limit| snapshots that are dirty, older than
// the TTL, or missing despite recorded events, appending a PERIODIC event for
// each. The recovery worker drives this on its sweep interval.
func (s *Scorer) RecomputeStale(ctx context.Context, limit int) (int, error) {
	var cutoff = s.clock.Now().Add(-s.ttl)

	query, args, err := sq.Select("vendor_id").
		From("vendor_score_snapshots").
		Where(sq.Or{
			sq.Expr("dirty"),
			sq.Lt{"computed_at": cutoff},
		}).
		OrderBy("computed_at ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building stale snapshot query: %w", err)
	}
	ids, err := s.vendorIDs(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("scanning stale snapshots: %w", err)
	}

	if len(ids) < limit {
		// Vendors with events but no snapshot yet.
		missing, err := s.vendorIDs(ctx, `
			SELECT DISTINCT e.vendor_id
			FROM vendor_score_events e
			LEFT JOIN vendor_score_snapshots snap USING (vendor_id)
			WHERE snap.vendor_id IS NULL
			LIMIT $1`, limit-len(ids))
		if err != nil {
			return 0, fmt.Errorf("scanning unsnapshotted vendors: %w", err)
		}
		ids = append(ids, missing...)
	}

	var done int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		snap, err := s.Recompute(ctx, id)
		if err != nil {
			return done, err
		}
		if err := s.Record(ctx, Event{
			VendorID: id,
			Kind:     KindPeriodic,
			Data:     map[string]interface{}{"overall": snap.Overall.String()},
		}); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (s *Scorer) vendorIDs(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const loadSnapshotSQL = `
SELECT vendor_id, response_speed, acceptance_rate, price_competitiveness,
       delivery_success, cancellation_rate, overall, tier, computed_at
FROM vendor_score_snapshots
WHERE vendor_id = $1 AND NOT dirty
`

func (s *Scorer) loadSnapshot(ctx context.Context, vendorID string) (Snapshot, bool, error) {
	var snap Snapshot
	var tier string
	var err = s.db.QueryRow(ctx, loadSnapshotSQL, vendorID).Scan(
		&snap.VendorID, &snap.ResponseSpeed, &snap.AcceptanceRate,
		&snap.PriceCompetitiveness, &snap.DeliverySuccess, &snap.CancellationRate,
		&snap.Overall, &tier, &snap.ComputedAt)
	if postgres.IsNoRows(err) {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, fmt.Errorf("loading score snapshot of %s: %w", vendorID, err)
	}
	snap.Tier = Tier(tier)
	return snap, true, nil
}

const saveSnapshotSQL = `
INSERT INTO vendor_score_snapshots
  (vendor_id, response_speed, acceptance_rate, price_competitiveness,
   delivery_success, cancellation_rate, overall, tier, computed_at, dirty)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
ON CONFLICT (vendor_id) DO UPDATE SET
  response_speed        = EXCLUDED.response_speed,
  acceptance_rate       = EXCLUDED.acceptance_rate,
  price_competitiveness = EXCLUDED.price_competitiveness,
  delivery_success      = EXCLUDED.delivery_success,
  cancellation_rate     = EXCLUDED.cancellation_rate,
  overall               = EXCLUDED.overall,
  tier                  = EXCLUDED.tier,
  computed_at           = EXCLUDED.computed_at,
  dirty                 = FALSE
`

func (s *Scorer) saveSnapshot(ctx context.Context, snap Snapshot) error {
	if _, err := s.db.Exec(ctx, saveSnapshotSQL,
		snap.VendorID, snap.ResponseSpeed, snap.AcceptanceRate,
		snap.PriceCompetitiveness, snap.DeliverySuccess, snap.CancellationRate,
		snap.Overall, string(snap.Tier), snap.ComputedAt); err != nil {
		return fmt.Errorf("saving score snapshot of %s: %w", snap.VendorID, err)
	}
	return nil
}

const priceDeviationSQL = `
SELECT COALESCE(AVG((vp.unit_price - m.avg_price) / m.avg_price * 100), 0), COUNT(*)
FROM vendor_products vp
JOIN (
  SELECT product_id, AVG(unit_price) AS avg_price
  FROM vendor_products
  GROUP BY product_id
) m USING (product_id)
WHERE vp.vendor_id = $1 AND m.avg_price > 0
`

// statsFor aggregates the vendor's event windows and current price position.
func (s *Scorer) statsFor(ctx context.Context, vendorID string, now time.Time) (Stats, error) {
	var since30 = now.Add(-ResponseWindow)
	var since90 = now.Add(-DeliveryWindow)

	query, args, err := sq.Select().
		Column(sq.Expr("COUNT(*) FILTER (WHERE kind = 'ASSIGNED' AND occurred_at >= ?)", since30)).
		Column(sq.Expr("COUNT(*) FILTER (WHERE kind = 'ACCEPTED' AND occurred_at >= ?)", since30)).
		Column(sq.Expr("COUNT(*) FILTER (WHERE kind = 'CANCELLED' AND occurred_at >= ?)", since30)).
		Column(sq.Expr("COUNT((data->>'response_minutes')::numeric) FILTER (WHERE kind IN ('ACCEPTED','REJECTED') AND occurred_at >= ?)", since30)).
		Column(sq.Expr("COALESCE(AVG((data->>'response_minutes')::numeric) FILTER (WHERE kind IN ('ACCEPTED','REJECTED') AND occurred_at >= ?), 0)", since30)).
		Column(sq.Expr("COUNT(*) FILTER (WHERE occurred_at >= ? AND (kind = 'LATE_RESPONSE' OR (kind IN ('ACCEPTED','REJECTED') AND (data->>'response_minutes')::numeric > ?)))", since30, LateThresholdMinutes)).
		Column("COUNT(*) FILTER (WHERE kind = 'DELIVERED')").
		Column("COUNT(*) FILTER (WHERE kind = 'DELIVERY_FAILED')").
		From("vendor_score_events").
		Where(sq.Eq{"vendor_id": vendorID}).
		Where(sq.GtOrEq{"occurred_at": since90}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return Stats{}, fmt.Errorf("building score stats query: %w", err)
	}

	var stats Stats
	var avgResponse decimal.Decimal
	if err := s.db.QueryRow(ctx, query, args...).Scan(
		&stats.Assigned, &stats.Accepted, &stats.Cancelled,
		&stats.Responses, &avgResponse, &stats.LateIncidents,
		&stats.Delivered, &stats.DeliveryFailed); err != nil {
		return Stats{}, fmt.Errorf("aggregating score events of %s: %w", vendorID, err)
	}
	stats.AvgResponseMinutes = avgResponse

	var priced int
	if err := s.db.QueryRow(ctx, priceDeviationSQL, vendorID).Scan(
		&stats.PriceDeviationPct, &priced); err != nil {
		return Stats{}, fmt.Errorf("aggregating price deviation of %s: %w", vendorID, err)
	}
	stats.HasPriceData = priced > 0
	return stats, nil
}
