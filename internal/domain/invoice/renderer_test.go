package invoice

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

type failingRenderer struct {
	err   error
	panic bool
}

func (f failingRenderer) Format() Format { return FormatPDF }

func (f failingRenderer) Render(Document) ([]byte, error) {
	if f.panic {
		panic("font not found")
	}
	return nil, f.err
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testCompany() Company {
	return Company{
		Name:               "Perfume Oasis (Pty) Ltd",
		Tagline:            "Luxury fragrances for less",
		RegistrationNumber: "2025/213013/07",
		Address:            "Sandton, Johannesburg",
		Email:              "orders@perfumeoasis.co.za",
		Website:            "perfumeoasis.co.za",
		CurrencySymbol:     "R",
		Bank: BankDetails{
			BankName:      "First National Bank",
			AccountName:   "Perfume Oasis (Pty) Ltd",
			AccountNumber: "62859471234",
			BranchCode:    "250655",
		},
	}
}

func testDocument() Document {
	return Document{
		Number:      "INV1718452980000123",
		OrderNumber: "PO1718452980000123",
		IssuedAt:    time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Customer:    order.Customer{FirstName: "Thandi", LastName: "Mokoena", Email: "thandi@example.com", Phone: "0821234567"},
		Address:     order.Address{Street: "12 Rivonia Rd", City: "Sandton", Province: "Gauteng", PostalCode: "2196"},
		Lines: []order.Line{
			{ProductName: "Sauvage EDT 100ml", ProductBrand: "Dior", Quantity: 2, UnitPrice: d("1150"), LineTotal: d("2300")},
			{ProductName: "Coco Mademoiselle", ProductBrand: "Chanel", Quantity: 1, UnitPrice: d("99.5"), LineTotal: d("99.5")},
		},
		Subtotal:      d("2399.5"),
		Discount:      d("239.95"),
		Delivery:      d("0"),
		Total:         d("2159.55"),
		Promotions:    []promotion.Applied{{Name: "Winter Sale", Discount: d("239.95")}},
		PaymentMethod: "bank_transfer",
	}
}

func TestService_RendersPDF(t *testing.T) {
	svc := NewService(NewPDFRenderer(testCompany()), testCompany())

	art := svc.Render(context.Background(), testDocument())
	assert.Equal(t, FormatPDF, art.Format)
	assert.False(t, art.Fallback)
	assert.True(t, bytes.HasPrefix(art.Data, []byte("%PDF")))
	assert.Equal(t, "application/pdf", art.ContentType())
	assert.Equal(t, "invoices/INV1718452980000123.pdf", art.StorageRef("INV1718452980000123"))
}

func TestService_FallsBackToText(t *testing.T) {
	tests := []struct {
		name     string
		renderer Renderer
	}{
		{name: "error", renderer: failingRenderer{err: errors.New("missing font")}},
		{name: "panic", renderer: failingRenderer{panic: true}},
		{name: "empty output", renderer: failingRenderer{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.renderer, testCompany())

			art := svc.Render(context.Background(), testDocument())
			assert.Equal(t, FormatText, art.Format)
			assert.True(t, art.Fallback)
			assert.Equal(t, "invoices/INV1.txt", art.StorageRef("INV1"))

			text := string(art.Data)
			assert.Contains(t, text, "PO1718452980000123")
			assert.Contains(t, text, "Thandi Mokoena")
			assert.Contains(t, text, "Dior - Sauvage EDT 100ml")
			assert.Contains(t, text, "R 2,300.00")
			assert.Contains(t, text, "Discount: -R 239.95")
			assert.Contains(t, text, "Delivery: FREE")
			assert.Contains(t, text, "TOTAL:    R 2,159.55")
			assert.Contains(t, text, "62859471234")
			assert.Contains(t, text, "Winter Sale")
		})
	}
}

func TestService_NoPrimary(t *testing.T) {
	svc := NewService(nil, testCompany())

	art := svc.Render(context.Background(), testDocument())
	require.Equal(t, FormatText, art.Format)
	assert.False(t, art.Fallback)
	assert.NotEmpty(t, art.Data)
}

func TestFromOrder(t *testing.T) {
	o := &order.Order{
		OrderNumber:    "PO1",
		InvoiceNumber:  "INV1",
		Customer:       order.Customer{FirstName: "A", LastName: "B"},
		Subtotal:       d("200"),
		DiscountAmount: d("20"),
		DeliveryFee:    d("150"),
		TotalAmount:    d("330"),
		Lines:          []order.Line{{ProductName: "X"}},
	}
	doc := FromOrder(o, time.Now())
	assert.Equal(t, "INV1", doc.Number)
	assert.Equal(t, "PO1", doc.OrderNumber)
	assert.True(t, d("330").Equal(doc.Total))
	assert.Len(t, doc.Lines, 1)
}

func TestMoney(t *testing.T) {
	assert.Equal(t, "R 0.00", money("R", decimal.Zero))
	assert.Equal(t, "R 150.00", money("R", d("150")))
	assert.Equal(t, "R 1,000.50", money("R", d("1000.5")))
	assert.Equal(t, "R 1,234,567.89", money("R", d("1234567.891")))
	assert.Equal(t, "-R 5.00", money("R", d("-5")))
	assert.Equal(t, "12.00", money("", d("12")))
}
