// Package scoring derives per-vendor reliability scores from an append-only
// event stream. Scores are five normalized component metrics combined by a
// configurable weighted sum, cached as snapshots, and recomputed lazily when
// dirty or stale. Recomputation is a pure function of the event stream, so
// replaying the same events always yields the same snapshot.
package scoring

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind of a vendor score event.
type Kind string

const (
	KindAssigned       Kind = "ASSIGNED"
	KindAccepted       Kind = "ACCEPTED"
	KindRejected       Kind = "REJECTED"
	KindDelivered      Kind = "DELIVERED"
	KindCancelled      Kind = "CANCELLED"
	KindLateResponse   Kind = "LATE_RESPONSE"
	KindDeliveryFailed Kind = "DELIVERY_FAILED"
	KindPeriodic       Kind = "PERIODIC"
)

// Event is one append-only observation about a vendor.
type Event struct {
	VendorID   string
	Kind       Kind
	OrderID    *string
	Data       map[string]interface{}
	OccurredAt time.Time
}

// ResponseData carries the response latency on ACCEPTED/REJECTED events.
func ResponseData(minutes decimal.Decimal) map[string]interface{} {
	return map[string]interface{}{"response_minutes": minutes.String()}
}

// Tier labels a score band.
type Tier string

const (
	TierExcellent Tier = "EXCELLENT"
	TierGood      Tier = "GOOD"
	TierAverage   Tier = "AVERAGE"
	TierPoor      Tier = "POOR"
)

// TierFor maps an overall score onto its band.
func TierFor(overall decimal.Decimal) Tier {
	switch {
	case overall.GreaterThanOrEqual(decimal.NewFromInt(90)):
		return TierExcellent
	case overall.GreaterThanOrEqual(decimal.NewFromInt(75)):
		return TierGood
	case overall.GreaterThanOrEqual(decimal.NewFromInt(50)):
		return TierAverage
	default:
		return TierPoor
	}
}

// Weights of the five component metrics. They must sum to 100.
type Weights struct {
	ResponseSpeed        int
	AcceptanceRate       int
	PriceCompetitiveness int
	DeliverySuccess      int
	CancellationRate     int
}

// DefaultWeights per the scoring design: 25/20/20/25/10.
var DefaultWeights = Weights{
	ResponseSpeed:        25,
	AcceptanceRate:       20,
	PriceCompetitiveness: 20,
	DeliverySuccess:      25,
	CancellationRate:     10,
}

// Validate checks every weight is non-negative and the sum is exactly 100.
func (w Weights) Validate() error {
	for _, v := range []int{w.ResponseSpeed, w.AcceptanceRate, w.PriceCompetitiveness,
		w.DeliverySuccess, w.CancellationRate} {
		if v < 0 {
			return fmt.Errorf("score weights must be non-negative, got %+v", w)
		}
	}
	if sum := w.ResponseSpeed + w.AcceptanceRate + w.PriceCompetitiveness +
		w.DeliverySuccess + w.CancellationRate; sum != 100 {
		return fmt.Errorf("score weights must sum to 100, got %d", sum)
	}
	return nil
}

// Snapshot is the derived score cache of one vendor.
type Snapshot struct {
	VendorID             string
	ResponseSpeed        decimal.Decimal
	AcceptanceRate       decimal.Decimal
	PriceCompetitiveness decimal.Decimal
	DeliverySuccess      decimal.Decimal
	CancellationRate     decimal.Decimal
	Overall              decimal.Decimal
	Tier                 Tier
	ComputedAt           time.Time
}

const (
	// SnapshotTTL bounds how stale a served snapshot may be.
	SnapshotTTL = time.Hour
	// ResponseWindow and DeliveryWindow are the event lookback horizons.
	ResponseWindow = 30 * 24 * time.Hour
	DeliveryWindow = 90 * 24 * time.Hour
	// ResponseTargetMinutes is the response time that exhausts the speed score.
	ResponseTargetMinutes = 60
	// LateThresholdMinutes marks a response as late; LatePenalty points are
	// subtracted per late incident after normalization.
	LateThresholdMinutes = 30
	LatePenalty          = 5
)
