package admission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/mandihq/mandi/catalog"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func retailer(category catalog.ScoreCategory, limit, debt string) catalog.Retailer {
	return catalog.Retailer{
		ID:              "r1",
		Status:          catalog.RetailerActive,
		ScoreCategory:   category,
		CreditLimit:     dec(limit),
		OutstandingDebt: dec(debt),
	}
}

func newController(t *testing.T) *Controller {
	var c, err = NewController(DefaultPolicies)
	require.NoError(t, err)
	return c
}

func TestAdmitInactiveAccount(t *testing.T) {
	var c = newController(t)
	var r = retailer(catalog.CategoryGood, "10000", "0")
	r.Status = catalog.RetailerBlocked

	var d = c.Admit(r, nil, dec("100"))
	require.Equal(t, Reject, d.Verdict)
	require.Equal(t, CodeAccountInactive, d.ReasonCode)
}

func TestAdmitCashOnlyAccount(t *testing.T) {
	var c = newController(t)
	var d = c.Admit(retailer(catalog.CategoryVeryPoor, "10000", "0"), nil, dec("100"))

	require.Equal(t, Reject, d.Verdict)
	require.Equal(t, CodeCashOnlyAccount, d.ReasonCode)
}

func TestAdmitOverCategoryMaximum(t *testing.T) {
	var c = newController(t)
	var d = c.Admit(retailer(catalog.CategoryPoor, "100000", "0"), nil, dec("20000.01"))

	require.Equal(t, Reject, d.Verdict)
	require.Equal(t, CodeOrderLimitExceeded, d.ReasonCode)
}

func TestAdmitCreditBoundary(t *testing.T) {
	var c = newController(t)
	var r = retailer(catalog.CategoryGood, "10000", "9500")

	// Total equal to available credit is accepted.
	var d = c.Admit(r, nil, dec("500"))
	require.Equal(t, Accept, d.Verdict)

	// One minor unit above is rejected with the exact shortfall.
	d = c.Admit(r, nil, dec("500.01"))
	require.Equal(t, Reject, d.Verdict)
	require.Equal(t, CodeCreditLimitExceeded, d.ReasonCode)
	require.Equal(t, "0.01", d.Shortfall.String())
	require.Equal(t, "500", d.Available.String())
}

func TestAdmitInsufficientCreditShortfall(t *testing.T) {
	var c = newController(t)
	var d = c.Admit(retailer(catalog.CategoryGood, "10000", "9500"), nil, dec("1400"))

	require.Equal(t, Reject, d.Verdict)
	require.Equal(t, CodeCreditLimitExceeded, d.ReasonCode)
	require.Equal(t, "900", d.Shortfall.String())
	require.Contains(t, d.Reason, "900.00")
}

func TestAdmitNeedsApproval(t *testing.T) {
	var c = newController(t)

	var d = c.Admit(retailer(catalog.CategoryFair, "100000", "0"), nil, dec("20000.01"))
	require.Equal(t, NeedsApproval, d.Verdict)
	require.Equal(t, CodeApprovalRequired, d.ReasonCode)

	d = c.Admit(retailer(catalog.CategoryPoor, "100000", "0"), nil, dec("5001"))
	require.Equal(t, NeedsApproval, d.Verdict)

	// GOOD accounts never need approval below the category maximum.
	d = c.Admit(retailer(catalog.CategoryGood, "100000", "0"), nil, dec("60000"))
	require.Equal(t, Accept, d.Verdict)
}

func TestAdmitAccepts(t *testing.T) {
	var c = newController(t)
	var d = c.Admit(retailer(catalog.CategoryExcellent, "50000", "1000"), nil, dec("1400"))

	require.Equal(t, Accept, d.Verdict)
	require.Equal(t, CodeAccepted, d.ReasonCode)
}

func TestNewControllerValidatesTable(t *testing.T) {
	var _, err = NewController(PolicyTable{})
	require.Error(t, err)

	var incomplete = PolicyTable{}
	for cat, p := range DefaultPolicies {
		incomplete[cat] = p
	}
	delete(incomplete, catalog.CategoryPoor)
	_, err = NewController(incomplete)
	require.Error(t, err)
}
