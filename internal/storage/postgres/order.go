package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

// idempotencyIndex is the unique index created by 002_idempotency_key.sql.
const idempotencyIndex = "orders_idempotency_key_uniq"

const (
	orderColumns = `id, order_number, invoice_number, COALESCE(user_id, ''), customer, shipping_address,
		subtotal, discount_amount, delivery_fee, total_amount, COALESCE(promo_code, ''), promotions,
		status, payment_status, payment_method, notes, created_at, updated_at`

	idempotencyColumnSQL = `SELECT EXISTS (
		SELECT 1 FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'orders' AND column_name = 'idempotency_key')`

	findOrderByKeySQL = `SELECT ` + orderColumns + ` FROM orders WHERE idempotency_key = $1`

	findOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`

	listOrderLinesSQL = `SELECT id, order_id, product_id, product_name, product_brand, quantity, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY id`

	createOrderSQL = `INSERT INTO orders (id, order_number, invoice_number, user_id, customer, shipping_address,
			subtotal, discount_amount, delivery_fee, total_amount, status, payment_status, payment_method, notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	createOrderWithKeySQL = `INSERT INTO orders (id, order_number, invoice_number, user_id, customer, shipping_address,
			subtotal, discount_amount, delivery_fee, total_amount, status, payment_status, payment_method, notes,
			created_at, updated_at, idempotency_key)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	addOrderLineSQL = `INSERT INTO order_items (order_id, product_id, product_name, product_brand, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	updateOrderTotalsSQL = `UPDATE orders SET
			subtotal = $2, discount_amount = $3, delivery_fee = $4, total_amount = $5,
			promo_code = NULLIF($6, ''), promotions = $7, status = $8, updated_at = now()
		WHERE id = $1`

	deleteOrderSQL = `DELETE FROM orders WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// SupportsIdempotencyKey reports whether the orders table has the
// idempotency key column.
func (r *OrderRepository) SupportsIdempotencyKey(ctx context.Context) (bool, error) {
	var ok bool
	if err := r.pool.QueryRow(ctx, idempotencyColumnSQL).Scan(&ok); err != nil {
		return false, fmt.Errorf("probing idempotency key column: %w", err)
	}
	return ok, nil
}

// FindByIdempotencyKey returns the order created with key, without lines.
func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*order.Order, error) {
	o, err := r.findOne(ctx, findOrderByKeySQL, key)
	if err != nil {
		return nil, classify(err)
	}
	o.IdempotencyKey = key
	return o, nil
}

// FindByNumber returns the order with its lines.
func (r *OrderRepository) FindByNumber(ctx context.Context, orderNumber string) (*order.Order, error) {
	o, err := r.findOne(ctx, findOrderByNumberSQL, orderNumber)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, listOrderLinesSQL, o.ID)
	if err != nil {
		return nil, fmt.Errorf("listing lines of order %q: %w", orderNumber, err)
	}
	o.Lines, err = pgx.CollectRows(rows, scanOrderLine)
	if err != nil {
		return nil, fmt.Errorf("listing lines of order %q: %w", orderNumber, err)
	}
	return o, nil
}

func (r *OrderRepository) findOne(ctx context.Context, query string, arg any) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("finding order: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("finding order: %w", err)
	}
	return &o, nil
}

// Create inserts the order row. Returns order.ErrDuplicateKey when the
// idempotency key is taken and order.ErrSchemaDrift when the column is
// missing.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, withKey bool) error {
	customer, err := json.Marshal(o.Customer)
	if err != nil {
		return fmt.Errorf("marshaling customer: %w", err)
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}

	args := []any{
		o.ID, o.OrderNumber, o.InvoiceNumber, o.UserID, customer, address,
		o.Subtotal, o.DiscountAmount, o.DeliveryFee, o.TotalAmount,
		string(o.Status), string(o.PaymentStatus), o.PaymentMethod, o.Notes,
		o.CreatedAt, o.UpdatedAt,
	}
	query := createOrderSQL
	if withKey {
		query = createOrderWithKeySQL
		args = append(args, o.IdempotencyKey)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		if c := classify(err); c != err {
			return c
		}
		return fmt.Errorf("creating order %q: %w", o.OrderNumber, err)
	}
	return nil
}

// AddLine inserts an order line and sets its ID.
func (r *OrderRepository) AddLine(ctx context.Context, l *order.Line) error {
	err := r.pool.QueryRow(ctx, addOrderLineSQL,
		l.OrderID, l.ProductID, l.ProductName, l.ProductBrand, l.Quantity, l.UnitPrice, l.LineTotal,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("adding line %q to order %q: %w", l.ProductID, l.OrderID, err)
	}
	return nil
}

// UpdateTotals persists the amounts, promo code, applied promotions and
// status.
func (r *OrderRepository) UpdateTotals(ctx context.Context, o *order.Order) error {
	promos, err := json.Marshal(toAppliedJSON(o.Promotions))
	if err != nil {
		return fmt.Errorf("marshaling promotions: %w", err)
	}

	tag, err := r.pool.Exec(ctx, updateOrderTotalsSQL,
		o.ID, o.Subtotal, o.DiscountAmount, o.DeliveryFee, o.TotalAmount, o.PromoCode, promos, string(o.Status),
	)
	if err != nil {
		return fmt.Errorf("updating totals of order %q: %w", o.OrderNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// Delete removes an order and, by cascade, its lines.
func (r *OrderRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, deleteOrderSQL, id); err != nil {
		return fmt.Errorf("deleting order %q: %w", id, err)
	}
	return nil
}

// classify maps SQLSTATEs the order writer reacts to onto domain errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		if pgErr.ConstraintName == idempotencyIndex {
			return order.ErrDuplicateKey
		}
	case pgerrcode.UndefinedColumn:
		return order.ErrSchemaDrift
	}
	return err
}

type appliedJSON struct {
	PromotionID string          `json:"promotionId"`
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Discount    decimal.Decimal `json:"discount"`
	Code        string          `json:"code,omitempty"`
}

func toAppliedJSON(applied []promotion.Applied) []appliedJSON {
	out := make([]appliedJSON, len(applied))
	for i, a := range applied {
		out[i] = appliedJSON{
			PromotionID: a.PromotionID,
			Name:        a.Name,
			Kind:        string(a.Kind),
			Discount:    a.Discount,
			Code:        a.Code,
		}
	}
	return out
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                         order.Order
		customer, address, promos []byte
		status, paymentStatus     string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.InvoiceNumber, &o.UserID, &customer, &address,
		&o.Subtotal, &o.DiscountAmount, &o.DeliveryFee, &o.TotalAmount, &o.PromoCode, &promos,
		&status, &paymentStatus, &o.PaymentMethod, &o.Notes, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)

	if err := json.Unmarshal(customer, &o.Customer); err != nil {
		return o, fmt.Errorf("unmarshaling customer: %w", err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return o, fmt.Errorf("unmarshaling shipping address: %w", err)
	}
	var applied []appliedJSON
	if err := json.Unmarshal(promos, &applied); err != nil {
		return o, fmt.Errorf("unmarshaling promotions: %w", err)
	}
	for _, a := range applied {
		o.Promotions = append(o.Promotions, promotion.Applied{
			PromotionID: a.PromotionID,
			Name:        a.Name,
			Kind:        promotion.Kind(a.Kind),
			Discount:    a.Discount,
			Code:        a.Code,
		})
	}
	return o, nil
}

func scanOrderLine(row pgx.CollectableRow) (order.Line, error) {
	var l order.Line
	err := row.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.ProductName, &l.ProductBrand, &l.Quantity, &l.UnitPrice, &l.LineTotal)
	return l, err
}
