package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/postgres"
)

// Store reads and writes catalog entities. Methods which mutate derived
// fields accept a Queryer so callers can run them inside their own
// transactions; everything else reads through the pool.
type Store struct {
	DB postgres.Queryer
}

func NewStore(db postgres.Queryer) *Store { return &Store{DB: db} }

const retailerColumns = `id, phone, business_name, address, credit_limit, outstanding_debt,
	credit_score, score_category, status, lifetime_orders, lifetime_value,
	last_order_at, created_at, updated_at`

func scanRetailer(row interface{ Scan(...interface{}) error }) (Retailer, error) {
	var r Retailer
	var err = row.Scan(&r.ID, &r.Phone, &r.BusinessName, &r.Address, &r.CreditLimit,
		&r.OutstandingDebt, &r.CreditScore, &r.ScoreCategory, &r.Status,
		&r.LifetimeOrders, &r.LifetimeValue, &r.LastOrderAt, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRetailer fetches a retailer by id.
func (s *Store) GetRetailer(ctx context.Context, id string) (Retailer, error) {
	var r, err = scanRetailer(s.DB.QueryRow(ctx,
		`SELECT `+retailerColumns+` FROM retailers WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return r, errs.New(errs.NotFound, "retailer %s not found", id)
	} else if err != nil {
		return r, fmt.Errorf("fetching retailer: %w", err)
	}
	return r, nil
}

// GetRetailerByPhone resolves an inbound sender to a retailer.
func (s *Store) GetRetailerByPhone(ctx context.Context, phone string) (Retailer, error) {
	var r, err = scanRetailer(s.DB.QueryRow(ctx,
		`SELECT `+retailerColumns+` FROM retailers WHERE phone = $1`, phone))
	if postgres.IsNoRows(err) {
		return r, errs.New(errs.NotFound, "no retailer with phone %s", phone)
	} else if err != nil {
		return r, fmt.Errorf("fetching retailer by phone: %w", err)
	}
	return r, nil
}

// IncrementRetailerLifetime bumps lifetime order stats after a delivery.
func (s *Store) IncrementRetailerLifetime(ctx context.Context, q postgres.Queryer, retailerID string, orderTotal decimal.Decimal) error {
	var _, err = q.Exec(ctx, `
		UPDATE retailers SET
			lifetime_orders = lifetime_orders + 1,
			lifetime_value  = lifetime_value + $2,
			last_order_at   = now(),
			updated_at      = now()
		WHERE id = $1`, retailerID, orderTotal)
	if err != nil {
		return fmt.Errorf("updating retailer lifetime stats: %w", err)
	}
	return nil
}

// ListIdleRetailers returns ACTIVE retailers whose last order predates
// |before|, for quick-reorder nudges. Retailers who never ordered are skipped.
func (s *Store) ListIdleRetailers(ctx context.Context, before time.Time, limit int) ([]Retailer, error) {
	var rows, err = s.DB.Query(ctx, `
		SELECT `+retailerColumns+` FROM retailers
		WHERE status = 'ACTIVE' AND last_order_at IS NOT NULL AND last_order_at < $1
		ORDER BY last_order_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing idle retailers: %w", err)
	}
	defer rows.Close()

	var out []Retailer
	for rows.Next() {
		r, err := scanRetailer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning retailer: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const vendorColumns = `id, phone, name, timezone, working_hours_start, working_hours_end,
	is_active, active_orders_count, pending_orders_count, created_at, updated_at`

func scanVendor(row interface{ Scan(...interface{}) error }) (Vendor, error) {
	var v Vendor
	var err = row.Scan(&v.ID, &v.Phone, &v.Name, &v.Timezone, &v.WorkingHoursStart,
		&v.WorkingHoursEnd, &v.IsActive, &v.ActiveOrdersCount, &v.PendingOrdersCount,
		&v.CreatedAt, &v.UpdatedAt)
	return v, err
}

// GetVendor fetches a vendor by id.
func (s *Store) GetVendor(ctx context.Context, id string) (Vendor, error) {
	var v, err = scanVendor(s.DB.QueryRow(ctx,
		`SELECT `+vendorColumns+` FROM vendors WHERE id = $1`, id))
	if postgres.IsNoRows(err) {
		return v, errs.New(errs.NotFound, "vendor %s not found", id)
	} else if err != nil {
		return v, fmt.Errorf("fetching vendor: %w", err)
	}
	return v, nil
}

// GetVendorByPhone resolves an inbound sender to a vendor.
func (s *Store) GetVendorByPhone(ctx context.Context, phone string) (Vendor, error) {
	var v, err = scanVendor(s.DB.QueryRow(ctx,
		`SELECT `+vendorColumns+` FROM vendors WHERE phone = $1`, phone))
	if postgres.IsNoRows(err) {
		return v, errs.New(errs.NotFound, "no vendor with phone %s", phone)
	} else if err != nil {
		return v, fmt.Errorf("fetching vendor by phone: %w", err)
	}
	return v, nil
}

// VendorOffer pairs a vendor with its listing of one product.
type VendorOffer struct {
	Vendor
	Stock     int
	UnitPrice decimal.Decimal
}

// ListOffers returns every vendor offering |productID| with its stock and
// price, eligible or not. Filtering is the selector's concern.
func (s *Store) ListOffers(ctx context.Context, productID string) ([]VendorOffer, error) {
	var rows, err = s.DB.Query(ctx, `
		SELECT v.id, v.phone, v.name, v.timezone, v.working_hours_start, v.working_hours_end,
			v.is_active, v.active_orders_count, v.pending_orders_count, v.created_at, v.updated_at,
			vp.stock, vp.unit_price
		FROM vendor_products vp JOIN vendors v ON v.id = vp.vendor_id
		WHERE vp.product_id = $1
		ORDER BY v.id`, productID)
	if err != nil {
		return nil, fmt.Errorf("listing offers: %w", err)
	}
	defer rows.Close()

	var out []VendorOffer
	for rows.Next() {
		var o VendorOffer
		if err = rows.Scan(&o.ID, &o.Phone, &o.Name, &o.Timezone, &o.WorkingHoursStart,
			&o.WorkingHoursEnd, &o.IsActive, &o.ActiveOrdersCount, &o.PendingOrdersCount,
			&o.CreatedAt, &o.UpdatedAt, &o.Stock, &o.UnitPrice); err != nil {
			return nil, fmt.Errorf("scanning offer: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOffer fetches one vendor's listing of one product.
func (s *Store) GetOffer(ctx context.Context, vendorID, productID string) (Offer, error) {
	var o = Offer{VendorID: vendorID, ProductID: productID}
	var err = s.DB.QueryRow(ctx,
		`SELECT stock, unit_price FROM vendor_products WHERE vendor_id = $1 AND product_id = $2`,
		vendorID, productID).Scan(&o.Stock, &o.UnitPrice)
	if postgres.IsNoRows(err) {
		return o, errs.New(errs.NotFound, "vendor %s does not offer product %s", vendorID, productID)
	} else if err != nil {
		return o, fmt.Errorf("fetching offer: %w", err)
	}
	return o, nil
}

// AdjustStock applies |delta| to a vendor's stock of a product. The schema
// CHECK rejects adjustments that would drive stock negative.
func (s *Store) AdjustStock(ctx context.Context, q postgres.Queryer, vendorID, productID string, delta int) error {
	var tag, err = q.Exec(ctx, `
		UPDATE vendor_products SET stock = stock + $3, updated_at = now()
		WHERE vendor_id = $1 AND product_id = $2`, vendorID, productID, delta)
	if err != nil {
		return fmt.Errorf("adjusting stock of %s/%s by %d: %w", vendorID, productID, delta, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.NotFound, "vendor %s does not offer product %s", vendorID, productID)
	}
	return nil
}

// AdjustOrderCounts applies deltas to a vendor's cached order counters.
func (s *Store) AdjustOrderCounts(ctx context.Context, q postgres.Queryer, vendorID string, activeDelta, pendingDelta int) error {
	var _, err = q.Exec(ctx, `
		UPDATE vendors SET
			active_orders_count  = active_orders_count + $2,
			pending_orders_count = pending_orders_count + $3,
			updated_at           = now()
		WHERE id = $1`, vendorID, activeDelta, pendingDelta)
	if err != nil {
		return fmt.Errorf("adjusting order counts of vendor %s: %w", vendorID, err)
	}
	return nil
}

// GetProduct fetches a product and its aliases.
func (s *Store) GetProduct(ctx context.Context, id string) (Product, error) {
	var p Product
	var err = s.DB.QueryRow(ctx,
		`SELECT id, name, unit, created_at, updated_at FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Unit, &p.CreatedAt, &p.UpdatedAt)
	if postgres.IsNoRows(err) {
		return p, errs.New(errs.NotFound, "product %s not found", id)
	} else if err != nil {
		return p, fmt.Errorf("fetching product: %w", err)
	}

	rows, err := s.DB.Query(ctx,
		`SELECT alias FROM product_aliases WHERE product_id = $1 ORDER BY alias`, id)
	if err != nil {
		return p, fmt.Errorf("fetching product aliases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var alias string
		if err = rows.Scan(&alias); err != nil {
			return p, fmt.Errorf("scanning alias: %w", err)
		}
		p.Aliases = append(p.Aliases, alias)
	}
	return p, rows.Err()
}

// ListProducts returns all products with aliases attached, for the in-memory
// resolution index.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	var rows, err = s.DB.Query(ctx,
		`SELECT id, name, unit, created_at, updated_at FROM products ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	var out []Product
	var byID = make(map[string]int)
	for rows.Next() {
		var p Product
		if err = rows.Scan(&p.ID, &p.Name, &p.Unit, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		byID[p.ID] = len(out)
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	aliasRows, err := s.DB.Query(ctx, `SELECT product_id, alias FROM product_aliases`)
	if err != nil {
		return nil, fmt.Errorf("listing product aliases: %w", err)
	}
	defer aliasRows.Close()

	for aliasRows.Next() {
		var productID, alias string
		if err = aliasRows.Scan(&productID, &alias); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		if i, ok := byID[productID]; ok {
			out[i].Aliases = append(out[i].Aliases, alias)
		}
	}
	return out, aliasRows.Err()
}

// MarketAverage is the mean unit price of |productID| across all vendors
// offering it, rounded half-even to two places. Zero offers yields zero.
func (s *Store) MarketAverage(ctx context.Context, productID string) (decimal.Decimal, error) {
	var rows, err = s.DB.Query(ctx,
		`SELECT unit_price FROM vendor_products WHERE product_id = $1`, productID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching offer prices: %w", err)
	}
	defer rows.Close()

	var sum decimal.Decimal
	var n int64
	for rows.Next() {
		var price decimal.Decimal
		if err = rows.Scan(&price); err != nil {
			return decimal.Zero, fmt.Errorf("scanning price: %w", err)
		}
		sum = sum.Add(price)
		n++
	}
	if err = rows.Err(); err != nil {
		return decimal.Zero, err
	}
	if n == 0 {
		return decimal.Zero, nil
	}
	return sum.Div(decimal.NewFromInt(n)).RoundBank(2), nil
}
