package selector

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/scoring"
)

type fakeOffers map[string][]catalog.VendorOffer

func (f fakeOffers) ListOffers(_ context.Context, productID string) ([]catalog.VendorOffer, error) {
	return f[productID], nil
}

type fakeScores map[string]string

func (f fakeScores) Score(_ context.Context, vendorID string) (scoring.Snapshot, error) {
	var overall = decimal.NewFromInt(50)
	if s, ok := f[vendorID]; ok {
		overall = decimal.RequireFromString(s)
	}
	return scoring.Snapshot{VendorID: vendorID, Overall: overall}, nil
}

type fakeShares struct {
	shares map[string]int
	total  int
}

func (f fakeShares) ProductShares(context.Context, string, time.Time) (map[string]int, int, error) {
	return f.shares, f.total, nil
}

type fakeCycler struct{ n int }

func (f *fakeCycler) Next(_ context.Context, _ string, modulus int) (int, error) {
	var idx = f.n % modulus
	f.n++
	return idx, nil
}

func vend(id string, stock int) catalog.VendorOffer {
	return catalog.VendorOffer{
		Vendor: catalog.Vendor{
			ID:              id,
			Timezone:        "UTC",
			WorkingHoursEnd: 24,
			IsActive:        true,
		},
		Stock: stock,
	}
}

func newTestSelector(offers fakeOffers, scores fakeScores, shares fakeShares, cyc *fakeCycler, strategy Strategy) *Selector {
	if cyc == nil {
		cyc = &fakeCycler{}
	}
	return New(offers, scores, shares, cyc, clockz.NewFakeClock(), strategy)
}

func droppedReason(d Decision, vendorID string) string {
	for _, c := range d.Candidates {
		if c.VendorID == vendorID {
			return c.Dropped
		}
	}
	return "absent"
}

func TestStockFilter(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-short", 3), vend("v-stocked", 20)}},
		fakeScores{}, fakeShares{}, nil, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 5}}})
	require.NoError(t, err)
	require.Equal(t, "v-stocked", d.Chosen)
	require.Equal(t, "stock", droppedReason(d, "v-short"))
}

func TestStockFilterSpansEveryLine(t *testing.T) {
	// v-partial stocks the primary line but not the second.
	var offers = fakeOffers{
		"rice":  {vend("v-partial", 50), vend("v-full", 50)},
		"sugar": {vend("v-full", 10)},
	}
	var sel = newTestSelector(offers, fakeScores{}, fakeShares{}, nil, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{
		{ProductID: "rice", Quantity: 5},
		{ProductID: "sugar", Quantity: 2},
	}})
	require.NoError(t, err)
	require.Equal(t, "v-full", d.Chosen)
	require.Equal(t, "stock", droppedReason(d, "v-partial"))
}

func TestCapacityEdge(t *testing.T) {
	var atCap = vend("v-at-cap", 100)
	atCap.ActiveOrdersCount = MaxActiveOrders
	var nearCap = vend("v-near-cap", 100)
	nearCap.ActiveOrdersCount = MaxActiveOrders - 1
	var pendingFull = vend("v-pending-full", 100)
	pendingFull.PendingOrdersCount = MaxPendingOrders

	var sel = newTestSelector(
		fakeOffers{"rice": {atCap, nearCap, pendingFull}},
		fakeScores{}, fakeShares{}, nil, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "v-near-cap", d.Chosen)
	require.Equal(t, "at-capacity", droppedReason(d, "v-at-cap"))
	require.Equal(t, "at-capacity", droppedReason(d, "v-pending-full"))
}

func TestInactiveAndWorkingHoursFilters(t *testing.T) {
	var clock = clockz.NewFakeClock()
	var hour = clock.Now().UTC().Hour()

	var inactive = vend("v-inactive", 100)
	inactive.IsActive = false
	var closed = vend("v-closed", 100)
	closed.WorkingHoursStart = (hour + 1) % 24
	closed.WorkingHoursEnd = (hour + 2) % 24
	var open = vend("v-open", 100)

	var sel = New(
		fakeOffers{"rice": {inactive, closed, open}},
		fakeScores{}, fakeShares{}, &fakeCycler{}, clock, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "v-open", d.Chosen)
	require.Equal(t, "inactive", droppedReason(d, "v-inactive"))
	require.Equal(t, "outside-working-hours", droppedReason(d, "v-closed"))
}

func TestMonopolyCapDropsDominantVendor(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-dominant", 100), vend("v-small", 100)}},
		fakeScores{"v-dominant": "95", "v-small": "60"},
		fakeShares{shares: map[string]int{"v-dominant": 8, "v-small": 2}, total: 10},
		nil, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "v-small", d.Chosen)
	require.Equal(t, "monopoly-cap", droppedReason(d, "v-dominant"))
}

func TestMonopolyCapRetainsLastCandidate(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-only", 100)}},
		fakeScores{},
		fakeShares{shares: map[string]int{"v-only": 9}, total: 10},
		nil, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "v-only", d.Chosen)
	require.Empty(t, droppedReason(d, "v-only"))
}

func TestRanksByOverallScore(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-a", 100), vend("v-b", 100), vend("v-c", 100)}},
		fakeScores{"v-a": "61.5", "v-b": "88", "v-c": "72"},
		fakeShares{}, nil, RoundRobin)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "v-b", d.Chosen)
	require.Equal(t, []string{"v-b", "v-c", "v-a"}, d.Ranked)
}

func TestRoundRobinCyclesTiedCandidates(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-a", 100), vend("v-b", 100), vend("v-c", 100)}},
		fakeScores{}, fakeShares{}, nil, RoundRobin)

	var chosen []string
	for i := 0; i < 4; i++ {
		d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
		require.NoError(t, err)
		chosen = append(chosen, d.Chosen)
	}
	require.Equal(t, []string{"v-a", "v-b", "v-c", "v-a"}, chosen)
}

func TestRoundRobinRotatesRankedList(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-a", 100), vend("v-b", 100), vend("v-c", 100)}},
		fakeScores{}, fakeShares{}, &fakeCycler{n: 1}, RoundRobin)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, []string{"v-b", "v-c", "v-a"}, d.Ranked)
}

func TestLeastLoadedTiebreak(t *testing.T) {
	var busy = vend("v-busy", 100)
	busy.ActiveOrdersCount = 7
	var idle = vend("v-idle", 100)
	idle.ActiveOrdersCount = 2

	var sel = newTestSelector(
		fakeOffers{"rice": {busy, idle}},
		fakeScores{}, fakeShares{}, nil, LeastLoaded)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 1}}})
	require.NoError(t, err)
	require.Equal(t, "v-idle", d.Chosen)
}

func TestExcludedVendorsAreSkipped(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-best", 100), vend("v-next", 100)}},
		fakeScores{"v-best": "90", "v-next": "70"},
		fakeShares{}, nil, RoundRobin)

	d, err := sel.Select(context.Background(), Request{
		Lines:   []Line{{ProductID: "rice", Quantity: 1}},
		Exclude: []string{"v-best"},
	})
	require.NoError(t, err)
	require.Equal(t, "v-next", d.Chosen)
	require.Equal(t, "already-attempted", droppedReason(d, "v-best"))
}

func TestNoEligibleVendor(t *testing.T) {
	var sel = newTestSelector(
		fakeOffers{"rice": {vend("v-short", 1)}},
		fakeScores{}, fakeShares{}, nil, RoundRobin)

	d, err := sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice", Quantity: 10}}})
	require.NoError(t, err)
	require.False(t, d.Eligible())
	require.Empty(t, d.Ranked)
}

func TestSelectValidatesRequest(t *testing.T) {
	var sel = newTestSelector(fakeOffers{}, fakeScores{}, fakeShares{}, nil, RoundRobin)

	var _, err = sel.Select(context.Background(), Request{})
	require.Error(t, err)

	_, err = sel.Select(context.Background(), Request{Lines: []Line{{ProductID: "rice"}}})
	require.Error(t, err)
}

func TestParseStrategy(t *testing.T) {
	st, err := ParseStrategy("round-robin")
	require.NoError(t, err)
	require.Equal(t, RoundRobin, st)

	_, err = ParseStrategy("fastest")
	require.Error(t, err)
}
