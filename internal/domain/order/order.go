package order

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

var (
	// ErrNotFound is returned when no order matches a lookup.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicateKey is returned by Repository.Create when another order
	// already holds the idempotency key.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrSchemaDrift is returned by Repository.Create when the store does not
	// have the idempotency key column.
	ErrSchemaDrift = errors.New("order store schema lacks idempotency key")
	// ErrInProgress is returned when an identical submission is still being
	// placed and did not settle in time.
	ErrInProgress = errors.New("identical submission still in progress")
)

// Status is the fulfillment state of an order.
type Status string

const (
	// StatusDraft marks an order whose lines are still being validated and
	// written. A draft is never returned as a duplicate.
	StatusDraft          Status = "draft"
	StatusPendingPayment Status = "pending_payment"
	StatusProcessing     Status = "processing"
	StatusReadyToShip    Status = "ready_to_ship"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

var statusTransitions = map[Status][]Status{
	StatusDraft:          {StatusPendingPayment},
	StatusPendingPayment: {StatusProcessing, StatusCancelled},
	StatusProcessing:     {StatusReadyToShip, StatusCancelled},
	StatusReadyToShip:    {StatusShipped, StatusCancelled},
	StatusShipped:        {StatusDelivered, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingPayment, StatusProcessing, StatusReadyToShip,
		StatusShipped, StatusDelivered, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether an operator may move an order from one status
// to another.
func (s Status) CanTransition(to Status) bool {
	for _, next := range statusTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentStatus is the payment state of an order.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// CanTransition reports whether a payment may move from one state to another.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return to == PaymentPaid || to == PaymentFailed
	case PaymentPaid:
		return to == PaymentRefunded
	default:
		return false
	}
}

// PaymentBankTransfer is the only payment method the storefront offers.
const PaymentBankTransfer = "bank_transfer"

// Customer holds the contact fields captured at checkout.
type Customer struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// FullName joins first and last name.
func (c Customer) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Address is a South African shipping address.
type Address struct {
	Street     string `json:"street,omitempty"`
	Suburb     string `json:"suburb,omitempty"`
	City       string `json:"city,omitempty"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

// Lines returns the non-empty address parts for display.
func (a Address) Lines() []string {
	var out []string
	for _, s := range []string{a.Street, a.Suburb, a.City, a.Province, a.PostalCode} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Order is a persisted customer order.
type Order struct {
	ID              string
	OrderNumber     string
	InvoiceNumber   string
	IdempotencyKey  string
	UserID          string
	Customer        Customer
	ShippingAddress Address
	Subtotal        decimal.Decimal
	DiscountAmount  decimal.Decimal
	DeliveryFee     decimal.Decimal
	TotalAmount     decimal.Decimal
	PromoCode       string
	Promotions      []promotion.Applied
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentMethod   string
	Notes           string
	Lines           []Line
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Line is a committed order line priced at commit time.
type Line struct {
	ID           int64
	OrderID      string
	ProductID    string
	ProductName  string
	ProductBrand string
	Quantity     int
	UnitPrice    decimal.Decimal
	LineTotal    decimal.Decimal
}

// Totals is a balanced set of order amounts.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Delivery decimal.Decimal
	Total    decimal.Decimal
}

// NewTotals rounds the inputs to cents, caps the discount at the subtotal and
// derives the total so that Total == Subtotal - Discount + Delivery.
func NewTotals(subtotal, discount, delivery decimal.Decimal) Totals {
	subtotal = subtotal.Round(2)
	discount = decimal.Max(decimal.Min(discount.Round(2), subtotal), decimal.Zero)
	delivery = delivery.Round(2)
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Delivery: delivery,
		Total:    subtotal.Sub(discount).Add(delivery),
	}
}

// SetTotals copies t onto the order.
func (o *Order) SetTotals(t Totals) {
	o.Subtotal = t.Subtotal
	o.DiscountAmount = t.Discount
	o.DeliveryFee = t.Delivery
	o.TotalAmount = t.Total
}

// Committed reports whether the order left the draft state.
func (o *Order) Committed() bool {
	return o.Status != StatusDraft
}

// Balanced reports whether the order amounts satisfy the total invariant.
func (o *Order) Balanced() bool {
	return o.TotalAmount.Equal(o.Subtotal.Sub(o.DiscountAmount).Add(o.DeliveryFee))
}

// Repository is the order store.
type Repository interface {
	// SupportsIdempotencyKey reports whether the store has the idempotency
	// key column and its unique index.
	SupportsIdempotencyKey(ctx context.Context) (bool, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// FindByNumber returns the order with its lines.
	FindByNumber(ctx context.Context, orderNumber string) (*Order, error)
	// Create inserts the order row. withKey controls whether the idempotency
	// key column is written. Returns ErrDuplicateKey or ErrSchemaDrift.
	Create(ctx context.Context, o *Order, withKey bool) error
	AddLine(ctx context.Context, l *Line) error
	// UpdateTotals persists the amounts, promo code, applied promotions and
	// status.
	UpdateTotals(ctx context.Context, o *Order) error
	Delete(ctx context.Context, id string) error
}
