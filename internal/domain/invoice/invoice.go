// Package invoice renders invoice documents for committed orders.
package invoice

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

var (
	// ErrNotFound is returned when an order has no stored invoice.
	ErrNotFound = errors.New("invoice not found")
	// ErrAlreadyExists is returned when an invoice was already stored for
	// the order.
	ErrAlreadyExists = errors.New("invoice already exists")
)

// StatusIssued is the status of a freshly stored invoice.
const StatusIssued = "issued"

// BankDetails are printed as payment instructions.
type BankDetails struct {
	BankName      string
	AccountName   string
	AccountNumber string
	BranchCode    string
}

// Company is the issuer shown in the invoice header.
type Company struct {
	Name               string
	Tagline            string
	RegistrationNumber string
	Address            string
	Email              string
	Phone              string
	Website            string
	Bank               BankDetails
	CurrencySymbol     string
}

// Money formats an amount in the company currency.
func (c Company) Money(d decimal.Decimal) string {
	return money(c.CurrencySymbol, d)
}

// Document holds everything printed on an invoice.
type Document struct {
	Number        string
	OrderNumber   string
	IssuedAt      time.Time
	Customer      order.Customer
	Address       order.Address
	Lines         []order.Line
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Delivery      decimal.Decimal
	Total         decimal.Decimal
	Promotions    []promotion.Applied
	PaymentMethod string
}

// FromOrder builds the document for a committed order.
func FromOrder(o *order.Order, issuedAt time.Time) Document {
	return Document{
		Number:        o.InvoiceNumber,
		OrderNumber:   o.OrderNumber,
		IssuedAt:      issuedAt,
		Customer:      o.Customer,
		Address:       o.ShippingAddress,
		Lines:         o.Lines,
		Subtotal:      o.Subtotal,
		Discount:      o.DiscountAmount,
		Delivery:      o.DeliveryFee,
		Total:         o.TotalAmount,
		Promotions:    o.Promotions,
		PaymentMethod: o.PaymentMethod,
	}
}

// Invoice is the stored record of a rendered invoice.
type Invoice struct {
	ID          string
	OrderID     string
	Number      string
	Amount      decimal.Decimal
	StorageRef  string
	ContentType string
	Document    []byte
	Status      string
	CreatedAt   time.Time
}

// Repository is the invoice store. Create returns ErrAlreadyExists when the
// order already has an invoice.
type Repository interface {
	Create(ctx context.Context, inv *Invoice) error
	FindByOrderID(ctx context.Context, orderID string) (*Invoice, error)
}

// money formats an amount as "R 1,234.56".
func money(symbol string, d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	if symbol == "" {
		return sign + b.String() + "." + frac
	}
	return sign + symbol + " " + b.String() + "." + frac
}
