// Package admission decides whether an order intent may enter the pipeline.
// The rules are ordered and first-match-wins; they only read the retailer and
// the order total, so the decision is a pure function of its inputs and the
// configured category policies.
package admission

import (
	"github.com/shopspring/decimal"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
)

// Verdict of an admission check.
type Verdict string

const (
	Accept        Verdict = "ACCEPT"
	NeedsApproval Verdict = "NEEDS_APPROVAL"
	Reject        Verdict = "REJECT"
)

// Reason codes carried on decisions and persisted with rejections.
const (
	CodeAccepted            = "ACCEPTED"
	CodeApprovalRequired    = "APPROVAL_REQUIRED"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeCashOnlyAccount     = "CASH_ONLY_ACCOUNT"
	CodeOrderLimitExceeded  = "ORDER_LIMIT_EXCEEDED"
	CodeCreditLimitExceeded = "CREDIT_LIMIT_EXCEEDED"
)

// Item is the slice of an order line admission looks at.
type Item struct {
	ProductID string
	Quantity  int
}

// Decision is the outcome of one admission check. Available and Shortfall
// are populated on credit rejections for the retailer-facing message.
type Decision struct {
	Verdict    Verdict
	ReasonCode string
	Reason     string
	Available  decimal.Decimal
	Shortfall  decimal.Decimal
}

// Policy bounds one retailer score category.
type Policy struct {
	MaxOrderAmount    decimal.Decimal
	ApprovalThreshold decimal.Decimal
}

// PolicyTable maps every score category to its policy.
type PolicyTable map[catalog.ScoreCategory]Policy

func amount(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// DefaultPolicies ship with the service and may be overridden by config.
var DefaultPolicies = PolicyTable{
	catalog.CategoryExcellent: {MaxOrderAmount: amount(200000), ApprovalThreshold: amount(100000)},
	catalog.CategoryGood:      {MaxOrderAmount: amount(100000), ApprovalThreshold: amount(50000)},
	catalog.CategoryFair:      {MaxOrderAmount: amount(50000), ApprovalThreshold: amount(20000)},
	catalog.CategoryPoor:      {MaxOrderAmount: amount(20000), ApprovalThreshold: amount(5000)},
	catalog.CategoryVeryPoor:  {MaxOrderAmount: amount(10000), ApprovalThreshold: amount(0)},
}

// Controller evaluates the admission rules against a policy table.
type Controller struct {
	policies PolicyTable
}

// NewController validates that |policies| covers every score category.
func NewController(policies PolicyTable) (*Controller, error) {
	for _, cat := range []catalog.ScoreCategory{
		catalog.CategoryExcellent, catalog.CategoryGood, catalog.CategoryFair,
		catalog.CategoryPoor, catalog.CategoryVeryPoor,
	} {
		var p, ok = policies[cat]
		if !ok {
			return nil, errs.New(errs.Validation, "admission policy missing category %s", cat)
		}
		if p.MaxOrderAmount.IsNegative() || p.ApprovalThreshold.IsNegative() {
			return nil, errs.New(errs.Validation, "admission policy for %s has negative bounds", cat)
		}
	}
	return &Controller{policies: policies}, nil
}

// Admit runs the rules in order; the first match wins.
//
//  1. Retailer not ACTIVE             → REJECT
//  2. VERY_POOR category (cash-only)  → REJECT
//  3. Total over the category maximum → REJECT
//  4. Total over available credit     → REJECT with shortfall
//  5. POOR/FAIR over the approval bar → NEEDS_APPROVAL
//  6. Otherwise                       → ACCEPT
func (c *Controller) Admit(r catalog.Retailer, items []Item, total decimal.Decimal) Decision {
	var policy = c.policies[r.ScoreCategory]

	if r.Status != catalog.RetailerActive {
		return Decision{
			Verdict:    Reject,
			ReasonCode: CodeAccountInactive,
			Reason:     "retailer account is not active",
		}
	}
	if r.ScoreCategory == catalog.CategoryVeryPoor {
		return Decision{
			Verdict:    Reject,
			ReasonCode: CodeCashOnlyAccount,
			Reason:     "cash-only account",
		}
	}
	if total.GreaterThan(policy.MaxOrderAmount) {
		return Decision{
			Verdict:    Reject,
			ReasonCode: CodeOrderLimitExceeded,
			Reason: "order total " + total.StringFixed(2) +
				" exceeds category maximum " + policy.MaxOrderAmount.StringFixed(2),
		}
	}
	if available := r.AvailableCredit(); available.LessThan(total) {
		return Decision{
			Verdict:    Reject,
			ReasonCode: CodeCreditLimitExceeded,
			Reason:     "insufficient credit, shortfall " + total.Sub(available).StringFixed(2),
			Available:  available,
			Shortfall:  total.Sub(available),
		}
	}
	if (r.ScoreCategory == catalog.CategoryPoor || r.ScoreCategory == catalog.CategoryFair) &&
		total.GreaterThan(policy.ApprovalThreshold) {
		return Decision{
			Verdict:    NeedsApproval,
			ReasonCode: CodeApprovalRequired,
			Reason: "total " + total.StringFixed(2) + " above approval threshold for " +
				string(r.ScoreCategory) + " category",
		}
	}
	return Decision{Verdict: Accept, ReasonCode: CodeAccepted, Reason: "within limits"}
}
