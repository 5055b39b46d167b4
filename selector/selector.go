// Package selector picks the vendor for an order through a deterministic
// filter chain (stock, activity and working hours, capacity, monopoly cap),
// a rank by overall score, and a configurable tiebreak strategy. Selection
// only reads state; assignment side effects belong to the lifecycle machine.
package selector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/scoring"
)

const (
	// MaxActiveOrders and MaxPendingOrders cap a vendor's concurrent load.
	MaxActiveOrders  = 10
	MaxPendingOrders = 5
	// MonopolyThreshold caps one vendor's share of a product's recent orders.
	MonopolyThreshold = 0.40
	// ShareWindow is the lookback for monopoly share measurement.
	ShareWindow = 30 * 24 * time.Hour
)

// Strategy breaks ties among equally scored candidates.
type Strategy string

const (
	RoundRobin  Strategy = "round-robin"
	LeastLoaded Strategy = "least-loaded"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastLoaded:
		return Strategy(s), nil
	}
	return "", errs.New(errs.Validation, "unknown selection strategy %q", s)
}

// Offers lists vendors offering a product. *catalog.Store implements it.
type Offers interface {
	ListOffers(ctx context.Context, productID string) ([]catalog.VendorOffer, error)
}

// Scores serves vendor score snapshots. *scoring.Scorer implements it.
type Scores interface {
	Score(ctx context.Context, vendorID string) (scoring.Snapshot, error)
}

// Shares measures per-vendor order share of a product. *Store implements it.
type Shares interface {
	ProductShares(ctx context.Context, productID string, since time.Time) (map[string]int, int, error)
}

// Cycler hands out round-robin positions. *Store implements it.
type Cycler interface {
	Next(ctx context.Context, productID string, modulus int) (int, error)
}

// Line is one (product, quantity) requirement of the order.
type Line struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Request describes one selection. Lines[0] is the primary line: monopoly
// share and round-robin cycling key on its product. Exclude lists vendors
// already tried for this order.
type Request struct {
	RetailerID string
	Lines      []Line
	Exclude    []string
}

// Candidate is one evaluated vendor. Dropped names the filter that removed
// it, or is empty for vendors that reached the ranking.
type Candidate struct {
	VendorID string          `json:"vendor_id"`
	Overall  decimal.Decimal `json:"overall"`
	Dropped  string          `json:"dropped,omitempty"`
}

// Decision is the full selection trace. Ranked lists the surviving vendors
// best first with the tie band rotated so Ranked[0] is the chosen vendor;
// Chosen is empty when no vendor is eligible.
type Decision struct {
	Strategy   Strategy    `json:"strategy"`
	Candidates []Candidate `json:"candidates"`
	Ranked     []string    `json:"ranked"`
	Chosen     string      `json:"chosen,omitempty"`
}

// Eligible reports whether a vendor was chosen.
func (d Decision) Eligible() bool { return d.Chosen != "" }

// Selector wires the filter chain to its catalog, score, and share sources.
type Selector struct {
	offers Offers
	scores Scores
	shares Shares
	cycler Cycler
	clock  clockz.Clock

	mu       sync.RWMutex
	strategy Strategy
}

func New(offers Offers, scores Scores, shares Shares, cycler Cycler, clock clockz.Clock, strategy Strategy) *Selector {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Selector{
		offers:   offers,
		scores:   scores,
		shares:   shares,
		cycler:   cycler,
		clock:    clock,
		strategy: strategy,
	}
}

// Strategy returns the current tiebreak strategy.
func (s *Selector) Strategy() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

// SetStrategy switches the tiebreak strategy at runtime.
func (s *Selector) SetStrategy(st Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = st
}

const (
	dropAttempted = "already-attempted"
	dropStock     = "stock"
	dropInactive  = "inactive"
	dropHours     = "outside-working-hours"
	dropCapacity  = "at-capacity"
	dropMonopoly  = "monopoly-cap"
)

// Select runs the filter chain and returns the full decision trace. A
// Decision with empty Chosen (and nil error) means no vendor is eligible.
func (s *Selector) Select(ctx context.Context, req Request) (Decision, error) {
	if len(req.Lines) == 0 {
		return Decision{}, errs.New(errs.Validation, "order has no items")
	}
	for _, l := range req.Lines {
		if l.Quantity <= 0 {
			return Decision{}, errs.New(errs.Validation, "item quantity must be positive")
		}
	}
	var primary = req.Lines[0]
	var d = Decision{Strategy: s.Strategy()}

	offers, err := s.offers.ListOffers(ctx, primary.ProductID)
	if err != nil {
		return d, err
	}
	need, stocks, err := s.stockIndex(ctx, req, offers)
	if err != nil {
		return d, err
	}

	var excluded = make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	// Pure passes in contract order; each records its drops in the trace.
	// Filtering is in place, so work on our own copy of the listing.
	var alive = append([]catalog.VendorOffer(nil), offers...)
	alive = d.pass(alive, dropAttempted, func(o catalog.VendorOffer) bool {
		return !excluded[o.ID]
	})
	alive = d.pass(alive, dropStock, func(o catalog.VendorOffer) bool {
		for productID, qty := range need {
			if stocks[o.ID][productID] < qty {
				return false
			}
		}
		return true
	})
	var now = s.clock.Now()
	alive = d.pass(alive, dropInactive, func(o catalog.VendorOffer) bool {
		return o.IsActive
	})
	alive = d.pass(alive, dropHours, func(o catalog.VendorOffer) bool {
		return o.WithinWorkingHours(now)
	})
	alive = d.pass(alive, dropCapacity, func(o catalog.VendorOffer) bool {
		return o.ActiveOrdersCount < MaxActiveOrders && o.PendingOrdersCount < MaxPendingOrders
	})

	if len(alive) > 0 {
		if alive, err = s.monopolyPass(ctx, &d, primary.ProductID, now, alive); err != nil {
			return d, err
		}
	}
	if len(alive) == 0 {
		s.logDecision(req, d)
		ops.VendorSelections.WithLabelValues(string(d.Strategy), "no_eligible").Inc()
		return d, nil
	}

	if err = s.rank(ctx, &d, primary.ProductID, alive); err != nil {
		return d, err
	}
	s.logDecision(req, d)
	ops.VendorSelections.WithLabelValues(string(d.Strategy), "selected").Inc()
	return d, nil
}

// stockIndex aggregates required quantity per product and each candidate
// vendor's stock of every required product.
func (s *Selector) stockIndex(ctx context.Context, req Request, offers []catalog.VendorOffer) (map[string]int, map[string]map[string]int, error) {
	var need = make(map[string]int, len(req.Lines))
	for _, l := range req.Lines {
		need[l.ProductID] += l.Quantity
	}

	var primary = req.Lines[0].ProductID
	var stocks = make(map[string]map[string]int, len(offers))
	for _, o := range offers {
		stocks[o.ID] = map[string]int{primary: o.Stock}
	}
	for productID := range need {
		if productID == primary {
			continue
		}
		more, err := s.offers.ListOffers(ctx, productID)
		if err != nil {
			return nil, nil, err
		}
		for _, o := range more {
			if m, ok := stocks[o.ID]; ok {
				m[productID] = o.Stock
			}
		}
	}
	return need, stocks, nil
}

// pass keeps offers satisfying |keep| and records the rest with |reason|.
func (d *Decision) pass(offers []catalog.VendorOffer, reason string, keep func(catalog.VendorOffer) bool) []catalog.VendorOffer {
	if len(offers) == 0 {
		return offers
	}
	var alive = offers[:0]
	for _, o := range offers {
		if keep(o) {
			alive = append(alive, o)
		} else {
			d.Candidates = append(d.Candidates, Candidate{VendorID: o.ID, Dropped: reason})
		}
	}
	return alive
}

// monopolyPass drops vendors whose recent share of this product's orders
// exceeds the threshold, unless the drop would leave no candidate at all.
func (s *Selector) monopolyPass(ctx context.Context, d *Decision, productID string, now time.Time, alive []catalog.VendorOffer) ([]catalog.VendorOffer, error) {
	shares, total, err := s.shares.ProductShares(ctx, productID, now.Add(-ShareWindow))
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return alive, nil
	}
	var kept, capped []catalog.VendorOffer
	for _, o := range alive {
		if float64(shares[o.ID])/float64(total) > MonopolyThreshold {
			capped = append(capped, o)
		} else {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		return capped, nil
	}
	for _, o := range capped {
		d.Candidates = append(d.Candidates, Candidate{VendorID: o.ID, Dropped: dropMonopoly})
	}
	return kept, nil
}

// rank orders survivors by overall score descending and applies the tiebreak
// strategy within the leading band of equal scores.
func (s *Selector) rank(ctx context.Context, d *Decision, productID string, alive []catalog.VendorOffer) error {
	type ranked struct {
		offer   catalog.VendorOffer
		overall decimal.Decimal
	}
	var list = make([]ranked, 0, len(alive))
	for _, o := range alive {
		snap, err := s.scores.Score(ctx, o.ID)
		if err != nil {
			return err
		}
		list = append(list, ranked{offer: o, overall: snap.Overall})
		d.Candidates = append(d.Candidates, Candidate{VendorID: o.ID, Overall: snap.Overall})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].overall.Equal(list[j].overall) {
			return list[i].overall.GreaterThan(list[j].overall)
		}
		return list[i].offer.ID < list[j].offer.ID
	})

	var band = 1
	for band < len(list) && list[band].overall.Equal(list[0].overall) {
		band++
	}
	var pick int
	if band > 1 {
		switch d.Strategy {
		case LeastLoaded:
			for i := 1; i < band; i++ {
				if list[i].offer.ActiveOrdersCount < list[pick].offer.ActiveOrdersCount {
					pick = i
				}
			}
		case RoundRobin:
			var err error
			if pick, err = s.cycler.Next(ctx, productID, band); err != nil {
				return err
			}
		}
	}

	d.Ranked = make([]string, 0, len(list))
	for i := 0; i < band; i++ {
		d.Ranked = append(d.Ranked, list[(pick+i)%band].offer.ID)
	}
	for i := band; i < len(list); i++ {
		d.Ranked = append(d.Ranked, list[i].offer.ID)
	}
	d.Chosen = d.Ranked[0]
	return nil
}

func (s *Selector) logDecision(req Request, d Decision) {
	var dropped = make(map[string]string, len(d.Candidates))
	for _, c := range d.Candidates {
		if c.Dropped != "" {
			dropped[c.VendorID] = c.Dropped
		}
	}
	var fields = log.Fields{
		"product":  req.Lines[0].ProductID,
		"retailer": req.RetailerID,
		"strategy": d.Strategy,
		"dropped":  dropped,
		"ranked":   d.Ranked,
	}
	if d.Eligible() {
		log.WithFields(fields).WithField("chosen", d.Chosen).Info("selected vendor")
	} else {
		log.WithFields(fields).Warn("no eligible vendor")
	}
}
