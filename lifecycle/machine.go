package lifecycle

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/ledger"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/scoring"
)

// transitions is the full set of legal edges. Everything else is illegal.
var transitions = map[Status][]Status{
	StatusDraft:          {StatusConfirmed, StatusCancelled},
	StatusConfirmed:      {StatusVendorAssigned, StatusCancelled},
	StatusVendorAssigned: {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusDispatched, StatusCancelled},
	StatusDispatched:     {StatusDelivered, StatusCancelled},
	StatusDelivered:      {StatusCompleted, StatusCancelled},
	StatusCompleted:      {},
	StatusCancelled:      {},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves the status.
func Terminal(s Status) bool { return len(transitions[s]) == 0 }

// timestampColumns maps each status to the column stamped on entering it.
var timestampColumns = map[Status]string{
	StatusConfirmed:      "confirmed_at",
	StatusVendorAssigned: "vendor_assigned_at",
	StatusAccepted:       "accepted_at",
	StatusDispatched:     "dispatched_at",
	StatusDelivered:      "delivered_at",
	StatusCompleted:      "completed_at",
	StatusCancelled:      "cancelled_at",
}

// Change describes one requested transition. VendorID is required for the
// edge into VENDOR_ASSIGNED and ignored elsewhere.
type Change struct {
	To       Status
	VendorID string
	Actor    string
	Reason   string
}

// EventSink receives committed transitions, for best-effort fan-out to the
// message broker. Implementations must not block.
type EventSink interface {
	OrderTransitioned(ctx context.Context, from Status, o Order)
}

// Machine applies order transitions with their per-edge side effects.
type Machine struct {
	db      postgres.Beginner
	clock   clockz.Clock
	orders  *OrderStore
	catalog *catalog.Store
	ledger  *ledger.Ledger
	scorer  *scoring.Scorer
	retries *RetryStore
	sink    EventSink // may be nil
}

func NewMachine(db postgres.Beginner, clock clockz.Clock, orders *OrderStore,
	cat *catalog.Store, led *ledger.Ledger, scorer *scoring.Scorer,
	retries *RetryStore, sink EventSink) *Machine {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Machine{
		db:      db,
		clock:   clock,
		orders:  orders,
		catalog: cat,
		ledger:  led,
		scorer:  scorer,
		retries: retries,
		sink:    sink,
	}
}

// Transition runs TransitionTx in its own serializable transaction and, on
// commit, emits the metric, the log line, and the domain event.
func (m *Machine) Transition(ctx context.Context, orderID string, ch Change) (Order, error) {
	var out Order
	var from Status
	var applied bool
	var err = postgres.RunSerializable(ctx, m.db, func(tx pgx.Tx) error {
		var txErr error
		out, from, applied, txErr = m.TransitionTx(ctx, tx, orderID, ch)
		return txErr
	})
	if err != nil {
		return Order{}, err
	}
	if !applied {
		return out, nil // redundant request, nothing committed
	}

	ops.Transitions.WithLabelValues(string(from), string(out.Status)).Inc()
	log.WithFields(log.Fields{
		"order":  out.ID,
		"number": out.OrderNumber,
		"from":   from,
		"to":     out.Status,
		"actor":  ch.Actor,
	}).Info("order transitioned")

	if m.sink != nil {
		m.sink.OrderTransitioned(ctx, from, out)
	}
	return out, nil
}

// TransitionTx validates and applies one edge inside |tx|: row-locks the
// order, runs the edge's side effects, stamps the status columns, and appends
// the status log entry. A request whose target equals the current status is
// a no-op returning the order unchanged (applied=false), so workflow
// resumption can replay a transition step safely. The exception is a
// VENDOR_ASSIGNED request naming a different vendor: that is the
// reassignment edge the retry ladder takes, and it gains its own status log
// entry. Any error aborts the whole transaction.
func (m *Machine) TransitionTx(ctx context.Context, tx pgx.Tx, orderID string, ch Change) (Order, Status, bool, error) {
	var o, err = m.orders.lockForTransition(ctx, tx, orderID)
	if err != nil {
		return Order{}, "", false, err
	}
	var from = o.Status

	if from == ch.To && !isReassignment(o, ch) {
		log.WithFields(log.Fields{"order": o.ID, "status": from}).
			Debug("redundant transition request")
		return o, from, false, nil
	}
	if from != ch.To && !CanTransition(from, ch.To) {
		return Order{}, "", false, errs.New(errs.Conflict,
			"cannot transition order %s from %s to %s", o.OrderNumber, from, ch.To)
	}

	switch ch.To {
	case StatusConfirmed:
		// Log entry only.
	case StatusVendorAssigned:
		err = m.assignVendor(ctx, tx, &o, ch.VendorID)
	case StatusAccepted:
		err = m.acceptOrder(ctx, tx, o)
	case StatusDispatched:
		// Timestamp only.
	case StatusDelivered:
		err = m.deliverOrder(ctx, tx, o)
	case StatusCompleted:
		err = m.completeOrder(ctx, tx, o)
	case StatusCancelled:
		err = m.cancelOrder(ctx, tx, o)
	default:
		err = errs.New(errs.Validation, "unknown order status %q", ch.To)
	}
	if err != nil {
		return Order{}, "", false, err
	}

	if err = m.applyStatus(ctx, tx, &o, ch); err != nil {
		return Order{}, "", false, err
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO order_status_logs (order_id, from_status, to_status, actor_id, reason)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))`,
		o.ID, string(from), string(ch.To), ch.Actor, ch.Reason); err != nil {
		return Order{}, "", false, fmt.Errorf("appending status log: %w", err)
	}
	return o, from, true, nil
}

// isReassignment matches a VENDOR_ASSIGNED order being handed to the next
// vendor after a decline or timeout.
func isReassignment(o Order, ch Change) bool {
	return o.Status == StatusVendorAssigned && ch.To == StatusVendorAssigned &&
		ch.VendorID != "" && (o.VendorID == nil || *o.VendorID != ch.VendorID)
}

// applyStatus writes the status, the per-status timestamp, and, on
// assignment, the vendor id.
func (m *Machine) applyStatus(ctx context.Context, tx pgx.Tx, o *Order, ch Change) error {
	var now = m.clock.Now()
	var update = sq.Update("orders").
		Set("status", string(ch.To)).
		Set("last_transition_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"id": o.ID})
	if col, ok := timestampColumns[ch.To]; ok {
		update = update.Set(col, now)
	}
	if ch.To == StatusVendorAssigned {
		update = update.Set("vendor_id", ch.VendorID)
		o.VendorID = &ch.VendorID
	}

	query, args, err := update.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return fmt.Errorf("building status update: %w", err)
	}
	if _, err = tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}

	o.Status = ch.To
	o.LastTransitionAt = now
	o.UpdatedAt = now
	return nil
}

// assignVendor opens the assignment attempt, bumps the vendor's pending
// counter, and records the ASSIGNED score event.
func (m *Machine) assignVendor(ctx context.Context, tx pgx.Tx, o *Order, vendorID string) error {
	if vendorID == "" {
		return errs.New(errs.Validation, "vendor assignment requires a vendor id")
	}
	if _, err := m.retries.OpenTx(ctx, tx, o.ID, vendorID); err != nil {
		return err
	}
	if err := m.catalog.AdjustOrderCounts(ctx, tx, vendorID, 0, +1); err != nil {
		return err
	}
	return m.scorer.RecordTx(ctx, tx, scoring.Event{
		VendorID: vendorID,
		Kind:     scoring.KindAssigned,
		OrderID:  &o.ID,
	})
}

// acceptOrder decrements stock per item, posts the ORDER_CREDIT, and moves
// the vendor's counters from pending to active.
func (m *Machine) acceptOrder(ctx context.Context, tx pgx.Tx, o Order) error {
	var vendorID, err = requireVendor(o)
	if err != nil {
		return err
	}
	for _, it := range o.Items {
		if err := m.catalog.AdjustStock(ctx, tx, vendorID, it.ProductID, -it.Quantity); err != nil {
			if postgres.IsCheckViolation(err, "") {
				return errs.Wrap(errs.BusinessRule, err,
					"vendor has insufficient stock of product %s", it.ProductID)
			}
			return err
		}
	}
	if _, err := m.ledger.PostTx(ctx, tx, o.RetailerID, ledger.OrderCredit, o.Total, &o.ID); err != nil {
		return err
	}
	return m.catalog.AdjustOrderCounts(ctx, tx, vendorID, +1, -1)
}

// deliverOrder stamps the retailer's lifetime stats and releases the
// vendor's active slot; the goods are out of the vendor's hands.
func (m *Machine) deliverOrder(ctx context.Context, tx pgx.Tx, o Order) error {
	var vendorID, err = requireVendor(o)
	if err != nil {
		return err
	}
	if err := m.catalog.IncrementRetailerLifetime(ctx, tx, o.RetailerID, o.Total); err != nil {
		return err
	}
	return m.catalog.AdjustOrderCounts(ctx, tx, vendorID, -1, 0)
}

func (m *Machine) completeOrder(ctx context.Context, tx pgx.Tx, o Order) error {
	var vendorID, err = requireVendor(o)
	if err != nil {
		return err
	}
	return m.scorer.RecordTx(ctx, tx, scoring.Event{
		VendorID: vendorID,
		Kind:     scoring.KindDelivered,
		OrderID:  &o.ID,
	})
}

// cancelOrder unwinds the effects accumulated so far, which depend on how
// far the order progressed:
//
//	DRAFT, CONFIRMED         log entry only
//	VENDOR_ASSIGNED          void the pending assignment, release pending slot
//	ACCEPTED, DISPATCHED     restore stock, refund credit, release active slot
//	DELIVERED                refund credit (goods delivered, slot released)
func (m *Machine) cancelOrder(ctx context.Context, tx pgx.Tx, o Order) error {
	switch o.Status {
	case StatusDraft, StatusConfirmed:
		return nil

	case StatusVendorAssigned:
		var vendorID, err = requireVendor(o)
		if err != nil {
			return err
		}
		open, ok, err := m.retries.pending(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		if ok {
			if _, err = m.retries.MarkResponded(ctx, tx, open.ID, RetryRejected); err != nil {
				return err
			}
			if err = m.catalog.AdjustOrderCounts(ctx, tx, vendorID, 0, -1); err != nil {
				return err
			}
		}
		return nil

	case StatusAccepted, StatusDispatched:
		var vendorID, err = requireVendor(o)
		if err != nil {
			return err
		}
		for _, it := range o.Items {
			if err := m.catalog.AdjustStock(ctx, tx, vendorID, it.ProductID, +it.Quantity); err != nil {
				return err
			}
		}
		if _, err := m.ledger.ReverseOrderCreditTx(ctx, tx, o.RetailerID, o.ID); err != nil {
			return err
		}
		if err := m.catalog.AdjustOrderCounts(ctx, tx, vendorID, -1, 0); err != nil {
			return err
		}
		return m.recordCancelled(ctx, tx, o, vendorID)

	case StatusDelivered:
		var vendorID, err = requireVendor(o)
		if err != nil {
			return err
		}
		if _, err := m.ledger.ReverseOrderCreditTx(ctx, tx, o.RetailerID, o.ID); err != nil {
			return err
		}
		return m.recordCancelled(ctx, tx, o, vendorID)
	}
	return nil
}

func (m *Machine) recordCancelled(ctx context.Context, tx pgx.Tx, o Order, vendorID string) error {
	return m.scorer.RecordTx(ctx, tx, scoring.Event{
		VendorID: vendorID,
		Kind:     scoring.KindCancelled,
		OrderID:  &o.ID,
	})
}

func requireVendor(o Order) (string, error) {
	if o.VendorID == nil || *o.VendorID == "" {
		return "", errs.New(errs.Internal, "order %s has no vendor", o.OrderNumber)
	}
	return *o.VendorID, nil
}

// Total recomputes Σ subtotal, the order's defining invariant.
func Total(items []Item) decimal.Decimal {
	var total = decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal)
	}
	return total
}
