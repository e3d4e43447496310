package invoice

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-pdf/fpdf"
)

// PDFRenderer lays the invoice out as an A4 PDF.
type PDFRenderer struct {
	company Company
}

// NewPDFRenderer creates a PDFRenderer for the issuing company.
func NewPDFRenderer(company Company) *PDFRenderer {
	return &PDFRenderer{company: company}
}

func (r *PDFRenderer) Format() Format { return FormatPDF }

// column widths of the line table, in mm; they add up to the printable width.
var pdfColumns = [4]float64{95, 20, 32.5, 32.5}

func (r *PDFRenderer) Render(doc Document) ([]byte, error) {
	c := r.company
	sym := c.CurrencySymbol

	pdf := fpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle("Invoice "+doc.Number, true)
	pdf.SetAuthor(c.Name, true)
	pdf.AddPage()

	// Header.
	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(110, 10, tr(c.Name), "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "TAX INVOICE", "", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	for _, line := range []string{
		c.Tagline,
		c.Address,
		joinNonEmpty(" | ", c.Email, c.Phone, c.Website),
		prefixed("Company Reg: ", c.RegistrationNumber),
	} {
		if line != "" {
			pdf.CellFormat(0, 4.5, tr(line), "", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(4)

	// Invoice meta and bill-to block side by side.
	top := pdf.GetY()
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(90, 6, "Bill To", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	billTo := append([]string{doc.Customer.FullName(), doc.Customer.Email, doc.Customer.Phone}, doc.Address.Lines()...)
	for _, line := range billTo {
		if line != "" {
			pdf.CellFormat(90, 4.5, tr(line), "", 1, "L", false, 0, "")
		}
	}
	bottom := pdf.GetY()

	pdf.SetXY(110, top)
	meta := [][2]string{
		{"Invoice No:", doc.Number},
		{"Order No:", doc.OrderNumber},
		{"Date:", doc.IssuedAt.Format("02 January 2006")},
		{"Payment:", paymentLabel(doc.PaymentMethod)},
	}
	for _, kv := range meta {
		pdf.SetX(110)
		pdf.SetFont("Helvetica", "B", 9)
		pdf.CellFormat(30, 5, kv[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 5, tr(kv[1]), "", 1, "R", false, 0, "")
	}
	if pdf.GetY() < bottom {
		pdf.SetY(bottom)
	}
	pdf.Ln(6)

	// Line table.
	pdf.SetFillColor(240, 236, 228)
	pdf.SetFont("Helvetica", "B", 9)
	for i, title := range []string{"Product", "Qty", "Unit Price", "Total"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(pdfColumns[i], 7, title, "B", 0, align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, l := range doc.Lines {
		name := l.ProductName
		if l.ProductBrand != "" {
			name = l.ProductBrand + " - " + name
		}
		pdf.CellFormat(pdfColumns[0], 6, tr(truncate(name, 60)), "", 0, "L", false, 0, "")
		pdf.CellFormat(pdfColumns[1], 6, fmt.Sprint(l.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(pdfColumns[2], 6, money(sym, l.UnitPrice), "", 0, "R", false, 0, "")
		pdf.CellFormat(pdfColumns[3], 6, money(sym, l.LineTotal), "", 1, "R", false, 0, "")
	}
	pdf.Ln(2)

	// Totals.
	labelW := pdfColumns[0] + pdfColumns[1] + pdfColumns[2]
	total := func(label, value string, bold bool) {
		style := ""
		if bold {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 10)
		pdf.CellFormat(labelW, 6, label, "", 0, "R", false, 0, "")
		pdf.CellFormat(pdfColumns[3], 6, value, "", 1, "R", false, 0, "")
	}
	total("Subtotal", money(sym, doc.Subtotal), false)
	if doc.Discount.IsPositive() {
		total("Discount", "-"+money(sym, doc.Discount), false)
	}
	delivery := money(sym, doc.Delivery)
	if doc.Delivery.IsZero() {
		delivery = "FREE"
	}
	total("Delivery", delivery, false)
	total("Total", money(sym, doc.Total), true)

	if len(doc.Promotions) > 0 {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "I", 8)
		names := make([]string, len(doc.Promotions))
		for i, p := range doc.Promotions {
			names[i] = p.Name
		}
		pdf.MultiCell(0, 4, tr("Promotions applied: "+strings.Join(names, ", ")), "", "L", false)
	}
	pdf.Ln(6)

	// Payment instructions.
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, 6, "Payment Instructions (EFT / Bank Transfer)", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, kv := range bankRows(c.Bank, doc.OrderNumber) {
		pdf.CellFormat(35, 5, kv[0], "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 5, tr(kv[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "I", 8)
	pdf.MultiCell(0, 4, "Please use your order number as the payment reference. "+
		"Your order will be processed once payment reflects in our account.", "", "L", false)

	// Footer.
	pdf.SetY(-25)
	pdf.SetFont("Helvetica", "", 8)
	pdf.CellFormat(0, 4, tr("Thank you for shopping with "+c.Name+"."), "", 1, "C", false, 0, "")
	if c.Email != "" {
		pdf.CellFormat(0, 4, tr("Questions? Contact "+c.Email), "", 1, "C", false, 0, "")
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "write pdf")
	}
	return buf.Bytes(), nil
}

func bankRows(b BankDetails, reference string) [][2]string {
	return [][2]string{
		{"Bank:", b.BankName},
		{"Account Name:", b.AccountName},
		{"Account Number:", b.AccountNumber},
		{"Branch Code:", b.BranchCode},
		{"Reference:", reference},
	}
}

func paymentLabel(method string) string {
	if method == "" || method == "bank_transfer" {
		return "Bank Transfer"
	}
	return method
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func prefixed(prefix, s string) string {
	if s == "" {
		return ""
	}
	return prefix + s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
