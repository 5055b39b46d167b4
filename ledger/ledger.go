// Package ledger is the append-only credit ledger. Every monetary event of a
// retailer (order credit, payment, refund, adjustment) is one immutable
// entry forming a per-retailer chain: each entry's previous_balance equals
// the prior entry's running_balance, and the retailer's denormalized
// outstanding_debt always equals the latest running_balance. Entries are
// never updated or deleted; corrections are new entries.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/postgres"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	// OrderCredit increases outstanding debt when an order is accepted.
	OrderCredit EntryType = "ORDER_CREDIT"
	// PaymentDebit decreases outstanding debt when the retailer pays.
	PaymentDebit EntryType = "PAYMENT_DEBIT"
	// RefundDebit reverses an order credit after cancellation.
	RefundDebit EntryType = "REFUND_DEBIT"
	// Adjustment is a manual upward correction of outstanding debt.
	Adjustment EntryType = "ADJUSTMENT"
)

// Entry is one immutable ledger row.
type Entry struct {
	ID              string
	RetailerID      string
	LedgerNumber    int64
	OrderID         *string
	Type            EntryType
	Amount          decimal.Decimal
	PreviousBalance decimal.Decimal
	RunningBalance  decimal.Decimal
	CreatedAt       time.Time
}

// Signed returns |amount| with the sign its entry type carries: credits and
// adjustments increase the balance, debits decrease it.
func Signed(t EntryType, amount decimal.Decimal) decimal.Decimal {
	switch t {
	case PaymentDebit, RefundDebit:
		return amount.Neg()
	default:
		return amount
	}
}

// ValidateChain checks the per-retailer ledger invariants over |entries|,
// which must be ordered by ledger number: balances link, arithmetic holds,
// and the running balance never goes negative. The window may start mid-chain;
// linkage is seeded from the first entry.
func ValidateChain(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var prev = entries[0].PreviousBalance
	for i, e := range entries {
		if !e.PreviousBalance.Equal(prev) {
			return fmt.Errorf("entry %d: previous_balance %s does not link to prior running_balance %s",
				e.LedgerNumber, e.PreviousBalance, prev)
		}
		if want := e.PreviousBalance.Add(Signed(e.Type, e.Amount)); !e.RunningBalance.Equal(want) {
			return fmt.Errorf("entry %d: running_balance %s != %s", e.LedgerNumber, e.RunningBalance, want)
		}
		if e.RunningBalance.IsNegative() {
			return fmt.Errorf("entry %d: negative running_balance %s", e.LedgerNumber, e.RunningBalance)
		}
		if i > 0 && e.LedgerNumber != entries[i-1].LedgerNumber+1 {
			return fmt.Errorf("entry %d: ledger numbers not contiguous after %d",
				e.LedgerNumber, entries[i-1].LedgerNumber)
		}
		prev = e.RunningBalance
	}
	return nil
}

// Ledger posts and reads credit ledger entries.
type Ledger struct {
	db postgres.Beginner
}

func New(db postgres.Beginner) *Ledger { return &Ledger{db: db} }

// Post appends one entry inside its own serializable transaction.
func (l *Ledger) Post(ctx context.Context, retailerID string, t EntryType, amount decimal.Decimal, orderID *string) (Entry, error) {
	var entry Entry
	var err = postgres.RunSerializable(ctx, l.db, func(tx pgx.Tx) error {
		var inner error
		entry, inner = l.PostTx(ctx, tx, retailerID, t, amount, orderID)
		return inner
	})
	return entry, err
}

// PostTx appends one entry inside the caller's transaction. The retailer row
// lock totally orders postings per retailer; previous_balance therefore
// always reads the latest committed value. Posting the same (order, type)
// twice returns the existing entry, which makes workflow resumption
// idempotent.
func (l *Ledger) PostTx(ctx context.Context, tx pgx.Tx, retailerID string, t EntryType, amount decimal.Decimal, orderID *string) (Entry, error) {
	if amount.IsNegative() {
		return Entry{}, errs.New(errs.Validation, "ledger amounts are unsigned, got %s", amount)
	}

	if orderID != nil {
		if existing, ok, err := l.entryForOrder(ctx, tx, *orderID, t); err != nil {
			return Entry{}, err
		} else if ok {
			return existing, nil
		}
	}

	// Lock the retailer row: postings for one retailer are totally ordered.
	var creditLimit decimal.Decimal
	var err = tx.QueryRow(ctx,
		`SELECT credit_limit FROM retailers WHERE id = $1 FOR UPDATE`, retailerID).
		Scan(&creditLimit)
	if postgres.IsNoRows(err) {
		return Entry{}, errs.New(errs.NotFound, "retailer %s not found", retailerID)
	} else if err != nil {
		return Entry{}, fmt.Errorf("locking retailer %s: %w", retailerID, err)
	}

	var prevNumber int64
	var prevBalance = decimal.Zero
	err = tx.QueryRow(ctx, `
		SELECT ledger_number, running_balance FROM credit_ledger_entries
		WHERE retailer_id = $1 ORDER BY ledger_number DESC LIMIT 1`, retailerID).
		Scan(&prevNumber, &prevBalance)
	if err != nil && !postgres.IsNoRows(err) {
		return Entry{}, fmt.Errorf("reading latest ledger entry: %w", err)
	}

	var running = prevBalance.Add(Signed(t, amount))
	if running.IsNegative() {
		return Entry{}, errs.New(errs.BusinessRule,
			"posting %s of %s would drive balance negative (outstanding %s)",
			t, amount.StringFixed(2), prevBalance.StringFixed(2))
	}

	var entry = Entry{
		ID:              uuid.NewString(),
		RetailerID:      retailerID,
		LedgerNumber:    prevNumber + 1,
		OrderID:         orderID,
		Type:            t,
		Amount:          amount,
		PreviousBalance: prevBalance,
		RunningBalance:  running,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_ledger_entries
			(id, retailer_id, ledger_number, order_id, type, amount, previous_balance, running_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		entry.ID, entry.RetailerID, entry.LedgerNumber, entry.OrderID, entry.Type,
		entry.Amount, entry.PreviousBalance, entry.RunningBalance).
		Scan(&entry.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("inserting ledger entry: %w", err)
	}

	if _, err = tx.Exec(ctx, `
		UPDATE retailers SET outstanding_debt = $2, updated_at = now()
		WHERE id = $1`, retailerID, running); err != nil {
		return Entry{}, fmt.Errorf("updating outstanding debt: %w", err)
	}

	ops.LedgerPostings.WithLabelValues(string(t)).Inc()
	log.WithFields(log.Fields{
		"retailer": retailerID,
		"type":     t,
		"amount":   amount.StringFixed(2),
		"balance":  running.StringFixed(2),
		"number":   entry.LedgerNumber,
	}).Info("posted ledger entry")

	return entry, nil
}

func (l *Ledger) entryForOrder(ctx context.Context, q postgres.Queryer, orderID string, t EntryType) (Entry, bool, error) {
	var e, err = scanEntry(q.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM credit_ledger_entries WHERE order_id = $1 AND type = $2`,
		orderID, t))
	if postgres.IsNoRows(err) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, fmt.Errorf("fetching %s entry of order %s: %w", t, orderID, err)
	}
	return e, true, nil
}

// ReverseOrderCreditTx posts the REFUND_DEBIT reversing an order's credit,
// inside the caller's transaction. A reversal without a matching credit is an
// invariant violation and surfaces as a conflict; a repeated reversal returns
// the existing refund entry.
func (l *Ledger) ReverseOrderCreditTx(ctx context.Context, tx pgx.Tx, retailerID, orderID string) (Entry, error) {
	var credit, ok, err = l.entryForOrder(ctx, tx, orderID, OrderCredit)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		log.WithFields(log.Fields{"retailer": retailerID, "order": orderID}).
			Error("reversal requested for order with no ORDER_CREDIT entry")
		return Entry{}, errs.New(errs.Conflict, "order %s has no credit entry to reverse", orderID)
	}
	return l.PostTx(ctx, tx, retailerID, RefundDebit, credit.Amount, &orderID)
}

// ApplyPayment posts a PAYMENT_DEBIT. Payments above the outstanding balance
// are rejected rather than clamped: the ledger never goes negative.
func (l *Ledger) ApplyPayment(ctx context.Context, retailerID string, amount decimal.Decimal) (Entry, error) {
	if !amount.IsPositive() {
		return Entry{}, errs.New(errs.Validation, "payment amount must be positive, got %s", amount)
	}
	return l.Post(ctx, retailerID, PaymentDebit, amount, nil)
}

const entryColumns = `id, retailer_id, ledger_number, order_id, type, amount,
	previous_balance, running_balance, created_at`

func scanEntry(row interface{ Scan(...interface{}) error }) (Entry, error) {
	var e Entry
	var err = row.Scan(&e.ID, &e.RetailerID, &e.LedgerNumber, &e.OrderID, &e.Type,
		&e.Amount, &e.PreviousBalance, &e.RunningBalance, &e.CreatedAt)
	return e, err
}

// Entries returns a retailer's full chain in ledger order.
func (l *Ledger) Entries(ctx context.Context, q postgres.Queryer, retailerID string) ([]Entry, error) {
	var rows, err = q.Query(ctx,
		`SELECT `+entryColumns+` FROM credit_ledger_entries
		WHERE retailer_id = $1 ORDER BY ledger_number`, retailerID)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Available returns credit_limit − outstanding_debt for a retailer, floored
// at zero.
func (l *Ledger) Available(ctx context.Context, q postgres.Queryer, retailerID string) (decimal.Decimal, error) {
	var limit, debt decimal.Decimal
	var err = q.QueryRow(ctx,
		`SELECT credit_limit, outstanding_debt FROM retailers WHERE id = $1`, retailerID).
		Scan(&limit, &debt)
	if postgres.IsNoRows(err) {
		return decimal.Zero, errs.New(errs.NotFound, "retailer %s not found", retailerID)
	} else if err != nil {
		return decimal.Zero, fmt.Errorf("reading retailer credit: %w", err)
	}
	if avail := limit.Sub(debt); avail.IsPositive() {
		return avail, nil
	}
	return decimal.Zero, nil
}
