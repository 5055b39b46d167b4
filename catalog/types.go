// Package catalog holds the entities the core shares with the registration
// and catalog subsystems (retailers, vendors, products) and their stores.
// The core treats these as externally owned: it reads them freely but mutates
// only the derived fields (outstanding_debt, order counters, stock).
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// RetailerStatus gates order admission.
type RetailerStatus string

const (
	RetailerActive          RetailerStatus = "ACTIVE"
	RetailerBlocked         RetailerStatus = "BLOCKED"
	RetailerPendingApproval RetailerStatus = "PENDING_APPROVAL"
)

// ScoreCategory buckets a retailer's credit score.
type ScoreCategory string

const (
	CategoryExcellent ScoreCategory = "EXCELLENT"
	CategoryGood      ScoreCategory = "GOOD"
	CategoryFair      ScoreCategory = "FAIR"
	CategoryPoor      ScoreCategory = "POOR"
	CategoryVeryPoor  ScoreCategory = "VERY_POOR"
)

// CategoryForScore maps a 300-900 credit score onto its category.
func CategoryForScore(score int) ScoreCategory {
	switch {
	case score >= 800:
		return CategoryExcellent
	case score >= 700:
		return CategoryGood
	case score >= 600:
		return CategoryFair
	case score >= 450:
		return CategoryPoor
	default:
		return CategoryVeryPoor
	}
}

type Retailer struct {
	ID              string
	Phone           string
	BusinessName    string
	Address         string
	CreditLimit     decimal.Decimal
	OutstandingDebt decimal.Decimal
	CreditScore     int
	ScoreCategory   ScoreCategory
	Status          RetailerStatus
	LifetimeOrders  int
	LifetimeValue   decimal.Decimal
	LastOrderAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AvailableCredit is credit_limit − outstanding_debt, floored at zero.
func (r *Retailer) AvailableCredit() decimal.Decimal {
	var avail = r.CreditLimit.Sub(r.OutstandingDebt)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

type Vendor struct {
	ID                 string
	Phone              string
	Name               string
	Timezone           string
	WorkingHoursStart  int
	WorkingHoursEnd    int
	IsActive           bool
	ActiveOrdersCount  int
	PendingOrdersCount int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WithinWorkingHours reports whether |at|, shifted into the vendor's
// timezone, falls in [start, end). An unknown timezone falls back to UTC.
func (v *Vendor) WithinWorkingHours(at time.Time) bool {
	var loc, err = time.LoadLocation(v.Timezone)
	if err != nil {
		loc = time.UTC
	}
	var hour = at.In(loc).Hour()
	return hour >= v.WorkingHoursStart && hour < v.WorkingHoursEnd
}

type Product struct {
	ID        string
	Name      string
	Unit      Unit
	Aliases   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Offer is one vendor's listing of one product.
type Offer struct {
	VendorID  string
	ProductID string
	Stock     int
	UnitPrice decimal.Decimal
}
