package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stats are the windowed aggregates a snapshot is computed from.
// Assignment, response, and cancellation counts cover the last 30 days;
// delivery counts cover the last 90 days. PriceDeviationPct is the mean
// percentage deviation of the vendor's offer prices from each product's
// market average, over the vendor's current catalog.
type Stats struct {
	Assigned           int
	Accepted           int
	Cancelled          int
	Responses          int
	AvgResponseMinutes decimal.Decimal
	LateIncidents      int
	Delivered          int
	DeliveryFailed     int
	PriceDeviationPct  decimal.Decimal
	HasPriceData       bool
}

var (
	d0   = decimal.Zero
	d50  = decimal.NewFromInt(50)
	d100 = decimal.NewFromInt(100)
)

func clampScore(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(d0) {
		return d0
	}
	if v.GreaterThan(d100) {
		return d100
	}
	return v
}

// responseSpeed is 100 - (avg_minutes / target) * 100, floored at zero, with
// LatePenalty points subtracted per late incident after normalization.
// A vendor with no measured responses scores the neutral 50.
func responseSpeed(s Stats) decimal.Decimal {
	if s.Responses == 0 && s.LateIncidents == 0 {
		return d50
	}
	var base = d50
	if s.Responses > 0 {
		var target = decimal.NewFromInt(ResponseTargetMinutes)
		base = d100.Sub(s.AvgResponseMinutes.Div(target).Mul(d100))
	}
	base = base.Sub(decimal.NewFromInt(int64(s.LateIncidents * LatePenalty)))
	return clampScore(base)
}

// acceptanceRate is 100 * accepted / assigned, neutral 50 with no assignments.
func acceptanceRate(s Stats) decimal.Decimal {
	if s.Assigned == 0 {
		return d50
	}
	var r = decimal.NewFromInt(int64(s.Accepted)).
		Div(decimal.NewFromInt(int64(s.Assigned))).Mul(d100)
	return clampScore(r)
}

// priceCompetitiveness is 100 - clamp(mean deviation %, -50, +50): pricing
// below market raises the score, pricing above lowers it. Vendors with no
// priced offers score the neutral 50.
func priceCompetitiveness(s Stats) decimal.Decimal {
	if !s.HasPriceData {
		return d50
	}
	var dev = s.PriceDeviationPct
	if dev.LessThan(d50.Neg()) {
		dev = d50.Neg()
	} else if dev.GreaterThan(d50) {
		dev = d50
	}
	return clampScore(d100.Sub(dev))
}

// deliverySuccess is 100 * delivered / (delivered + failed), neutral 50 with
// no delivery history.
func deliverySuccess(s Stats) decimal.Decimal {
	var total = s.Delivered + s.DeliveryFailed
	if total == 0 {
		return d50
	}
	var r = decimal.NewFromInt(int64(s.Delivered)).
		Div(decimal.NewFromInt(int64(total))).Mul(d100)
	return clampScore(r)
}

// cancellationRate is the inverse rate 100 * (1 - cancelled / assigned),
// neutral 50 with no assignments.
func cancellationRate(s Stats) decimal.Decimal {
	if s.Assigned == 0 {
		return d50
	}
	var r = decimal.NewFromInt(int64(s.Cancelled)).
		Div(decimal.NewFromInt(int64(s.Assigned))).Mul(d100)
	return clampScore(d100.Sub(r))
}

// Compute derives a snapshot from windowed stats. All components land in
// [0, 100] rounded half-even to two decimals, and the overall score is the
// weighted sum of the components.
func Compute(vendorID string, s Stats, w Weights, at time.Time) Snapshot {
	var snap = Snapshot{
		VendorID:             vendorID,
		ResponseSpeed:        responseSpeed(s).RoundBank(2),
		AcceptanceRate:       acceptanceRate(s).RoundBank(2),
		PriceCompetitiveness: priceCompetitiveness(s).RoundBank(2),
		DeliverySuccess:      deliverySuccess(s).RoundBank(2),
		CancellationRate:     cancellationRate(s).RoundBank(2),
		ComputedAt:           at,
	}
	var overall = snap.ResponseSpeed.Mul(decimal.NewFromInt(int64(w.ResponseSpeed))).
		Add(snap.AcceptanceRate.Mul(decimal.NewFromInt(int64(w.AcceptanceRate)))).
		Add(snap.PriceCompetitiveness.Mul(decimal.NewFromInt(int64(w.PriceCompetitiveness)))).
		Add(snap.DeliverySuccess.Mul(decimal.NewFromInt(int64(w.DeliverySuccess)))).
		Add(snap.CancellationRate.Mul(decimal.NewFromInt(int64(w.CancellationRate))))
	snap.Overall = overall.Div(d100).RoundBank(2)
	snap.Tier = TierFor(snap.Overall)
	return snap
}
