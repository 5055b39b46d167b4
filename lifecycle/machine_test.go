package lifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestHappyPathEdges(t *testing.T) {
	var path = []Status{
		StatusDraft, StatusConfirmed, StatusVendorAssigned, StatusAccepted,
		StatusDispatched, StatusDelivered, StatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		require.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s must be legal", path[i], path[i+1])
	}
}

func TestCancellableFromEveryNonTerminalStatus(t *testing.T) {
	for from := range transitions {
		if Terminal(from) {
			require.False(t, CanTransition(from, StatusCancelled), "from %s", from)
		} else {
			require.True(t, CanTransition(from, StatusCancelled), "from %s", from)
		}
	}
}

func TestIllegalEdges(t *testing.T) {
	var illegal = []struct{ from, to Status }{
		{StatusDraft, StatusVendorAssigned},
		{StatusDraft, StatusAccepted},
		{StatusConfirmed, StatusAccepted},
		{StatusAccepted, StatusConfirmed},
		{StatusDispatched, StatusAccepted},
		{StatusCompleted, StatusCancelled},
		{StatusCompleted, StatusDraft},
		{StatusCancelled, StatusConfirmed},
		{StatusDelivered, StatusDispatched},
	}
	for _, e := range illegal {
		require.False(t, CanTransition(e.from, e.to), "%s -> %s must be illegal", e.from, e.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	require.True(t, Terminal(StatusCompleted))
	require.True(t, Terminal(StatusCancelled))
	require.False(t, Terminal(StatusDraft))
	require.False(t, Terminal(StatusDelivered))
}

func TestEveryEnteredStatusStampsAColumn(t *testing.T) {
	for from, tos := range transitions {
		for _, to := range tos {
			require.Contains(t, timestampColumns, to, "edge %s -> %s", from, to)
		}
	}
	// DRAFT is never entered by a transition.
	require.NotContains(t, timestampColumns, StatusDraft)
}

func TestReassignmentDetection(t *testing.T) {
	var v1 = "v1"
	var assigned = Order{Status: StatusVendorAssigned, VendorID: &v1}

	require.True(t, isReassignment(assigned, Change{To: StatusVendorAssigned, VendorID: "v2"}))
	require.False(t, isReassignment(assigned, Change{To: StatusVendorAssigned, VendorID: "v1"}))
	require.False(t, isReassignment(assigned, Change{To: StatusVendorAssigned}))
	require.False(t, isReassignment(
		Order{Status: StatusConfirmed}, Change{To: StatusVendorAssigned, VendorID: "v2"}))
}

func TestNewOrderNumber(t *testing.T) {
	var at = time.Date(2025, time.March, 9, 14, 30, 0, 0, time.UTC)
	var n = NewOrderNumber(at)

	require.True(t, strings.HasPrefix(n, "ORD-20250309-"), n)
	var suffix = strings.TrimPrefix(n, "ORD-20250309-")
	require.Len(t, suffix, 8)
	require.Equal(t, strings.ToUpper(suffix), suffix)

	require.NotEqual(t, n, NewOrderNumber(at))
}

func TestTotalSumsSubtotals(t *testing.T) {
	var items = []Item{
		{Subtotal: decimal.RequireFromString("120.50")},
		{Subtotal: decimal.RequireFromString("79.50")},
		{Subtotal: decimal.RequireFromString("0.01")},
	}
	require.Equal(t, "200.01", Total(items).String())
	require.True(t, Total(nil).IsZero())
}

func TestCreateDraftValidation(t *testing.T) {
	var store = NewOrderStore(nil, nil)
	var ctx = context.Background()

	var _, err = store.CreateDraft(ctx, nil, Draft{RetailerID: "r1"})
	require.Error(t, err)

	_, err = store.CreateDraft(ctx, nil, Draft{
		RetailerID: "r1",
		Items:      []DraftItem{{ProductID: "p1", Quantity: 0, UnitPrice: decimal.NewFromInt(10)}},
	})
	require.Error(t, err)

	_, err = store.CreateDraft(ctx, nil, Draft{
		RetailerID: "r1",
		Items:      []DraftItem{{ProductID: "p1", Quantity: 2, UnitPrice: decimal.NewFromInt(-1)}},
	})
	require.Error(t, err)
}
