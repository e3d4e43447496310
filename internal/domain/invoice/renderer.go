package invoice

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Format identifies the kind of artifact produced.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatText Format = "text"
)

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatPDF {
		return "application/pdf"
	}
	return "text/plain; charset=utf-8"
}

// Extension returns the file extension of the format, without the dot.
func (f Format) Extension() string {
	if f == FormatPDF {
		return "pdf"
	}
	return "txt"
}

// Renderer turns a document into bytes of a single format.
type Renderer interface {
	Format() Format
	Render(doc Document) ([]byte, error)
}

// Artifact is a rendered invoice.
type Artifact struct {
	Format Format
	Data   []byte
	// Fallback is set when the primary renderer failed.
	Fallback bool
}

// ContentType returns the MIME type of the artifact.
func (a Artifact) ContentType() string { return a.Format.ContentType() }

// Filename returns the download name of the artifact for an invoice number.
func (a Artifact) Filename(number string) string {
	return fmt.Sprintf("%s.%s", number, a.Format.Extension())
}

// StorageRef returns the logical storage path of the artifact.
func (a Artifact) StorageRef(number string) string {
	return "invoices/" + a.Filename(number)
}

// Service renders invoices with a primary renderer and falls back to plain
// text when it fails or panics. Render always returns an artifact.
type Service struct {
	primary  Renderer
	fallback *TextRenderer
}

// NewService creates a Service. primary may be nil, in which case only the
// text form is produced.
func NewService(primary Renderer, company Company) *Service {
	return &Service{primary: primary, fallback: NewTextRenderer(company)}
}

// Render produces the invoice artifact for doc.
func (s *Service) Render(ctx context.Context, doc Document) Artifact {
	if s.primary != nil {
		data, err := renderSafe(s.primary, doc)
		if err == nil {
			return Artifact{Format: s.primary.Format(), Data: data}
		}
		zctx.From(ctx).Warn("Invoice renderer failed, using text fallback",
			zap.String("invoice_number", doc.Number),
			zap.Error(err),
		)
	}
	return Artifact{Format: FormatText, Data: s.fallback.render(doc), Fallback: s.primary != nil}
}

func renderSafe(r Renderer, doc Document) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("renderer panic: %v", rec)
		}
	}()
	data, err = r.Render(doc)
	if err == nil && len(data) == 0 {
		err = errors.New("renderer produced no output")
	}
	return data, err
}

// TextRenderer serializes the invoice as plain text.
type TextRenderer struct {
	company Company
}

// NewTextRenderer creates a TextRenderer for the issuing company.
func NewTextRenderer(company Company) *TextRenderer {
	return &TextRenderer{company: company}
}

func (r *TextRenderer) Format() Format { return FormatText }

func (r *TextRenderer) Render(doc Document) ([]byte, error) {
	return r.render(doc), nil
}

func (r *TextRenderer) render(doc Document) []byte {
	c := r.company
	sym := c.CurrencySymbol

	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "%s - TAX INVOICE\n", c.Name)
	for _, s := range []string{c.Tagline, c.Address, joinNonEmpty(" | ", c.Email, c.Phone, c.Website), prefixed("Company Reg: ", c.RegistrationNumber)} {
		if s != "" {
			fmt.Fprintln(&b, s)
		}
	}
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "Invoice No: %s\n", doc.Number)
	fmt.Fprintf(&b, "Order No:   %s\n", doc.OrderNumber)
	fmt.Fprintf(&b, "Date:       %s\n", doc.IssuedAt.Format("02 January 2006"))
	fmt.Fprintf(&b, "Payment:    %s\n\n", paymentLabel(doc.PaymentMethod))

	fmt.Fprintln(&b, "BILL TO")
	for _, s := range append([]string{doc.Customer.FullName(), doc.Customer.Email, doc.Customer.Phone}, doc.Address.Lines()...) {
		if s != "" {
			fmt.Fprintln(&b, s)
		}
	}
	fmt.Fprintln(&b)

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Product\tQty\tUnit Price\tTotal\t")
	for _, l := range doc.Lines {
		name := l.ProductName
		if l.ProductBrand != "" {
			name = l.ProductBrand + " - " + name
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t\n", name, l.Quantity, money(sym, l.UnitPrice), money(sym, l.LineTotal))
	}
	_ = tw.Flush()
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "Subtotal: %s\n", money(sym, doc.Subtotal))
	if doc.Discount.IsPositive() {
		fmt.Fprintf(&b, "Discount: -%s\n", money(sym, doc.Discount))
	}
	if doc.Delivery.IsZero() {
		fmt.Fprintln(&b, "Delivery: FREE")
	} else {
		fmt.Fprintf(&b, "Delivery: %s\n", money(sym, doc.Delivery))
	}
	fmt.Fprintf(&b, "TOTAL:    %s\n", money(sym, doc.Total))
	for _, p := range doc.Promotions {
		fmt.Fprintf(&b, "Promotion applied: %s\n", p.Name)
	}
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "PAYMENT INSTRUCTIONS (EFT / BANK TRANSFER)")
	for _, kv := range bankRows(c.Bank, doc.OrderNumber) {
		fmt.Fprintf(&b, "%-16s %s\n", kv[0], kv[1])
	}
	fmt.Fprintln(&b, line)
	fmt.Fprintf(&b, "Thank you for shopping with %s.\n", c.Name)

	return []byte(b.String())
}
