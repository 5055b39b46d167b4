package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSignedAmounts(t *testing.T) {
	require.True(t, Signed(OrderCredit, dec("100.00")).Equal(dec("100.00")))
	require.True(t, Signed(Adjustment, dec("25.50")).Equal(dec("25.50")))
	require.True(t, Signed(PaymentDebit, dec("100.00")).Equal(dec("-100.00")))
	require.True(t, Signed(RefundDebit, dec("40.25")).Equal(dec("-40.25")))
}

func order(id string) *string { return &id }

func TestValidateChain(t *testing.T) {
	var entries = []Entry{
		{LedgerNumber: 1, Type: OrderCredit, OrderID: order("o1"),
			Amount: dec("1400.00"), PreviousBalance: dec("0"), RunningBalance: dec("1400.00")},
		{LedgerNumber: 2, Type: OrderCredit, OrderID: order("o2"),
			Amount: dec("600.00"), PreviousBalance: dec("1400.00"), RunningBalance: dec("2000.00")},
		{LedgerNumber: 3, Type: PaymentDebit,
			Amount: dec("500.00"), PreviousBalance: dec("2000.00"), RunningBalance: dec("1500.00")},
		{LedgerNumber: 4, Type: RefundDebit, OrderID: order("o2"),
			Amount: dec("600.00"), PreviousBalance: dec("1500.00"), RunningBalance: dec("900.00")},
	}
	require.NoError(t, ValidateChain(entries))
}

func TestValidateChainBrokenLink(t *testing.T) {
	var entries = []Entry{
		{LedgerNumber: 1, Type: OrderCredit,
			Amount: dec("100.00"), PreviousBalance: dec("0"), RunningBalance: dec("100.00")},
		{LedgerNumber: 2, Type: OrderCredit,
			Amount: dec("50.00"), PreviousBalance: dec("110.00"), RunningBalance: dec("160.00")},
	}
	require.ErrorContains(t, ValidateChain(entries), "does not link")
}

func TestValidateChainBadArithmetic(t *testing.T) {
	var entries = []Entry{
		{LedgerNumber: 1, Type: OrderCredit,
			Amount: dec("100.00"), PreviousBalance: dec("0"), RunningBalance: dec("99.00")},
	}
	require.ErrorContains(t, ValidateChain(entries), "running_balance")
}

func TestValidateChainGapInNumbers(t *testing.T) {
	var entries = []Entry{
		{LedgerNumber: 1, Type: OrderCredit,
			Amount: dec("100.00"), PreviousBalance: dec("0"), RunningBalance: dec("100.00")},
		{LedgerNumber: 3, Type: PaymentDebit,
			Amount: dec("100.00"), PreviousBalance: dec("100.00"), RunningBalance: dec("0")},
	}
	require.ErrorContains(t, ValidateChain(entries), "not contiguous")
}

// Posting ORDER_CREDIT then REFUND_DEBIT of the same amount returns the
// balance to its pre-order value.
func TestCreditThenRefundRoundTrips(t *testing.T) {
	var entries = []Entry{
		{LedgerNumber: 1, Type: OrderCredit, OrderID: order("o3"),
			Amount: dec("2500.00"), PreviousBalance: dec("750.00"), RunningBalance: dec("3250.00")},
		{LedgerNumber: 2, Type: RefundDebit, OrderID: order("o3"),
			Amount: dec("2500.00"), PreviousBalance: dec("3250.00"), RunningBalance: dec("750.00")},
	}
	require.NoError(t, ValidateChain(entries))
	require.True(t, entries[1].RunningBalance.Equal(entries[0].PreviousBalance))
}
