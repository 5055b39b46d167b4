// Package lifecycle owns orders: their persistence, the status state machine,
// and the vendor assignment retry ladder. Every status change flows through
// Machine.Transition, which serializes on the order row and applies the
// edge's side effects in the same transaction, so partial progress is
// impossible and resumption is idempotent.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/postgres"
)

// Status of an order. COMPLETED and CANCELLED are terminal.
type Status string

const (
	StatusDraft          Status = "DRAFT"
	StatusConfirmed      Status = "CONFIRMED"
	StatusVendorAssigned Status = "VENDOR_ASSIGNED"
	StatusAccepted       Status = "ACCEPTED"
	StatusDispatched     Status = "DISPATCHED"
	StatusDelivered      Status = "DELIVERED"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

// Source records how the order entered the system.
type Source string

const (
	SourceText   Source = "TEXT"
	SourceImage  Source = "IMAGE"
	SourceManual Source = "MANUAL"
)

// Item is one order line. Subtotal = UnitPrice × Quantity always.
type Item struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Position  int             `json:"position"`
	Quantity  int             `json:"quantity"`
	Unit      catalog.Unit    `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Order struct {
	ID               string          `json:"id"`
	OrderNumber      string          `json:"order_number"`
	RetailerID       string          `json:"retailer_id"`
	VendorID         *string         `json:"vendor_id,omitempty"`
	Status           Status          `json:"status"`
	Source           Source          `json:"source"`
	Total            decimal.Decimal `json:"total"`
	RequiresApproval bool            `json:"requires_approval"`
	NeedsAdmin       bool            `json:"needs_admin"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	VendorAssignedAt *time.Time      `json:"vendor_assigned_at,omitempty"`
	AcceptedAt       *time.Time      `json:"accepted_at,omitempty"`
	DispatchedAt     *time.Time      `json:"dispatched_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	LastTransitionAt time.Time       `json:"last_transition_at"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []Item          `json:"items"`
}

// StatusLog is one audit entry of the order's transition history.
type StatusLog struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"order_id"`
	From      Status    `json:"from_status"`
	To        Status    `json:"to_status"`
	ActorID   *string   `json:"actor_id,omitempty"`
	Reason    *string   `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewOrderNumber builds the human-readable order number handed to retailers.
func NewOrderNumber(at time.Time) string {
	return fmt.Sprintf("ORD-%s-%s",
		at.UTC().Format("20060102"),
		strings.ToUpper(uuid.NewString()[:8]))
}

// OrderStore persists orders, items, and the status log.
type OrderStore struct {
	DB    postgres.Queryer
	clock clockz.Clock
}

func NewOrderStore(db postgres.Queryer, clock clockz.Clock) *OrderStore {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &OrderStore{DB: db, clock: clock}
}

// DraftItem is one line of an order about to be persisted.
type DraftItem struct {
	ProductID string
	Quantity  int
	Unit      catalog.Unit
	UnitPrice decimal.Decimal
}

// Draft describes an order to create. ID may be pre-assigned by the caller
// (the dispatcher does, so a resumed workflow re-creates nothing).
type Draft struct {
	ID               string
	RetailerID       string
	Source           Source
	RequiresApproval bool
	Items            []DraftItem
}

// CreateDraft inserts the order and its items in DRAFT status. Re-running
// with the same pre-assigned ID returns the already-created order, which is
// what makes the PERSIST_DRAFT workflow step idempotent.
func (s *OrderStore) CreateDraft(ctx context.Context, q postgres.Queryer, d Draft) (Order, error) {
	if len(d.Items) == 0 {
		return Order{}, errs.New(errs.Validation, "order has no items")
	}
	for _, it := range d.Items {
		if it.Quantity <= 0 {
			return Order{}, errs.New(errs.Validation, "item quantity must be positive")
		}
		if it.UnitPrice.IsNegative() {
			return Order{}, errs.New(errs.Validation, "item unit price must not be negative")
		}
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	var now = s.clock.Now()
	var total = decimal.Zero
	var items = make([]Item, len(d.Items))
	for i, it := range d.Items {
		var subtotal = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
		items[i] = Item{
			ID:        uuid.NewString(),
			OrderID:   d.ID,
			ProductID: it.ProductID,
			Position:  i + 1,
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			UnitPrice: it.UnitPrice,
			Subtotal:  subtotal,
		}
		total = total.Add(subtotal)
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO orders (id, order_number, retailer_id, status, source, total,
		                    requires_approval, last_transition_at, created_at, updated_at)
		VALUES ($1, $2, $3, 'DRAFT', $4, $5, $6, $7, $7, $7)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, NewOrderNumber(now), d.RetailerID, string(d.Source), total,
		d.RequiresApproval, now)
	if err != nil {
		return Order{}, fmt.Errorf("inserting draft order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.get(ctx, q, d.ID)
	}

	for _, it := range items {
		if _, err = q.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, position, quantity, unit, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			it.ID, it.OrderID, it.ProductID, it.Position, it.Quantity,
			string(it.Unit), it.UnitPrice, it.Subtotal); err != nil {
			return Order{}, fmt.Errorf("inserting order item %d: %w", it.Position, err)
		}
	}
	return s.get(ctx, q, d.ID)
}

const orderColumns = `id, order_number, retailer_id, vendor_id, status, source, total,
	requires_approval, needs_admin, confirmed_at, vendor_assigned_at, accepted_at,
	dispatched_at, delivered_at, completed_at, cancelled_at, last_transition_at,
	created_at, updated_at`

func scanOrder(row interface{ Scan(...interface{}) error }) (Order, error) {
	var o Order
	var err = row.Scan(&o.ID, &o.OrderNumber, &o.RetailerID, &o.VendorID, &o.Status,
		&o.Source, &o.Total, &o.RequiresApproval, &o.NeedsAdmin, &o.ConfirmedAt,
		&o.VendorAssignedAt, &o.AcceptedAt, &o.DispatchedAt, &o.DeliveredAt,
		&o.CompletedAt, &o.CancelledAt, &o.LastTransitionAt, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// Get fetches an order with its items.
func (s *OrderStore) Get(ctx context.Context, id string) (Order, error) {
	return s.get(ctx, s.DB, id)
}

func (s *OrderStore) get(ctx context.Context, q postgres.Queryer, id string) (Order, error) {
	var o, err = scanOrder(q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return o, errs.New(errs.NotFound, "order %s not found", id)
	} else if err != nil {
		return o, fmt.Errorf("fetching order: %w", err)
	}
	if o.Items, err = s.items(ctx, q, id); err != nil {
		return o, err
	}
	return o, nil
}

// GetByNumber resolves a human-readable order number, for status queries.
func (s *OrderStore) GetByNumber(ctx context.Context, number string) (Order, error) {
	var o, err = scanOrder(s.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_number = $1`,
		strings.ToUpper(strings.TrimSpace(number))))
	if postgres.IsNoRows(err) {
		return o, errs.New(errs.NotFound, "order %s not found", number)
	} else if err != nil {
		return o, fmt.Errorf("fetching order by number: %w", err)
	}
	if o.Items, err = s.items(ctx, s.DB, o.ID); err != nil {
		return o, err
	}
	return o, nil
}

// Latest returns the retailer's most recent order, for bare status queries.
func (s *OrderStore) Latest(ctx context.Context, retailerID string) (Order, error) {
	var o, err = scanOrder(s.DB.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE retailer_id = $1
		 ORDER BY created_at DESC LIMIT 1`, retailerID))
	if postgres.IsNoRows(err) {
		return o, errs.New(errs.NotFound, "retailer %s has no orders", retailerID)
	} else if err != nil {
		return o, fmt.Errorf("fetching latest order: %w", err)
	}
	if o.Items, err = s.items(ctx, s.DB, o.ID); err != nil {
		return o, err
	}
	return o, nil
}

// lockForTransition reads the order row FOR UPDATE inside |tx|, serializing
// concurrent transition attempts on the same order.
func (s *OrderStore) lockForTransition(ctx context.Context, q postgres.Queryer, id string) (Order, error) {
	var o, err = scanOrder(q.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if postgres.IsNoRows(err) {
		return o, errs.New(errs.NotFound, "order %s not found", id)
	} else if err != nil {
		return o, fmt.Errorf("locking order: %w", err)
	}
	if o.Items, err = s.items(ctx, q, id); err != nil {
		return o, err
	}
	return o, nil
}

func (s *OrderStore) items(ctx context.Context, q postgres.Queryer, orderID string) ([]Item, error) {
	var rows, err = q.Query(ctx, `
		SELECT id, order_id, product_id, position, quantity, unit, unit_price, subtotal
		FROM order_items WHERE order_id = $1 ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetching order items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err = rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Position,
			&it.Quantity, &it.Unit, &it.UnitPrice, &it.Subtotal); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// StatusLogs returns the order's transition history, oldest first.
func (s *OrderStore) StatusLogs(ctx context.Context, orderID string) ([]StatusLog, error) {
	var rows, err = s.DB.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_id, reason, created_at
		FROM order_status_logs WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetching status log: %w", err)
	}
	defer rows.Close()

	var logs []StatusLog
	for rows.Next() {
		var l StatusLog
		if err = rows.Scan(&l.ID, &l.OrderID, &l.From, &l.To, &l.ActorID,
			&l.Reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning status log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListStalled returns CONFIRMED orders whose last transition predates
// |cutoff| and which are not already awaiting an admin, oldest first.
func (s *OrderStore) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]Order, error) {
	query, args, err := sq.Select(orderColumns).
		From("orders").
		Where(sq.Eq{"status": string(StatusConfirmed), "needs_admin": false}).
		Where(sq.Lt{"last_transition_at": cutoff}).
		OrderBy("last_transition_at ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building stalled order query: %w", err)
	}

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing stalled orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stalled order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkNeedsAdmin flags the order for manual intervention.
func (s *OrderStore) MarkNeedsAdmin(ctx context.Context, q postgres.Queryer, orderID string) error {
	var _, err = q.Exec(ctx, `
		UPDATE orders SET needs_admin = TRUE, updated_at = now() WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("flagging order %s for admin: %w", orderID, err)
	}
	return nil
}
