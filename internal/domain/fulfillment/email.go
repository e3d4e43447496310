package fulfillment

import (
	"bytes"
	htmltemplate "html/template"
	"text/template"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/invoice"
	"github.com/xenking/oasis-checkout/internal/domain/notify"
	"github.com/xenking/oasis-checkout/internal/domain/order"
)

// TemplateOrderConfirmation identifies the confirmation email in delivery logs.
const TemplateOrderConfirmation = "order_confirmation"

const confirmationHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <h2>{{.Company.Name}}</h2>
  <p>Hi {{.Order.Customer.FirstName}},</p>
  <p>Thank you for your order <strong>{{.Order.OrderNumber}}</strong>. Your invoice {{.Order.InvoiceNumber}} is attached.</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><th align="left">Product</th><th>Qty</th><th align="right">Total</th></tr>
    {{- range .Order.Lines}}
    <tr><td>{{.ProductName}}</td><td align="center">{{.Quantity}}</td><td align="right">{{money .LineTotal}}</td></tr>
    {{- end}}
    <tr><td colspan="2">Subtotal</td><td align="right">{{money .Order.Subtotal}}</td></tr>
    {{- if .Order.DiscountAmount.IsPositive}}
    <tr><td colspan="2">Discount</td><td align="right">-{{money .Order.DiscountAmount}}</td></tr>
    {{- end}}
    <tr><td colspan="2">Delivery</td><td align="right">{{if .Order.DeliveryFee.IsZero}}Free{{else}}{{money .Order.DeliveryFee}}{{end}}</td></tr>
    <tr><td colspan="2"><strong>Total</strong></td><td align="right"><strong>{{money .Order.TotalAmount}}</strong></td></tr>
  </table>
  {{- with .Company.Bank}}{{if .AccountNumber}}
  <h3>Payment by EFT</h3>
  <p>Bank: {{.BankName}}<br>Account name: {{.AccountName}}<br>Account number: {{.AccountNumber}}<br>Branch code: {{.BranchCode}}<br>Reference: {{$.Order.OrderNumber}}</p>
  {{- end}}{{end}}
  <p>{{.Company.Email}} {{.Company.Phone}}</p>
</body>
</html>
`

const confirmationText = `Hi {{.Order.Customer.FirstName}},

Thank you for your order {{.Order.OrderNumber}}. Your invoice {{.Order.InvoiceNumber}} is attached.
{{range .Order.Lines}}
  {{.Quantity}} x {{.ProductName}}  {{money .LineTotal}}
{{- end}}

Subtotal: {{money .Order.Subtotal}}
{{- if .Order.DiscountAmount.IsPositive}}
Discount: -{{money .Order.DiscountAmount}}
{{- end}}
Delivery: {{if .Order.DeliveryFee.IsZero}}Free{{else}}{{money .Order.DeliveryFee}}{{end}}
Total:    {{money .Order.TotalAmount}}
{{with .Company.Bank}}{{if .AccountNumber}}
Pay by EFT to {{.BankName}}, account {{.AccountNumber}} ({{.AccountName}}), branch {{.BranchCode}}.
Use {{$.Order.OrderNumber}} as the payment reference.
{{end}}{{end}}
{{.Company.Name}}
`

// Emails renders customer emails.
type Emails struct {
	company invoice.Company
	html    *htmltemplate.Template
	text    *template.Template
}

type emailData struct {
	Company invoice.Company
	Order   *order.Order
}

// NewEmails parses the email templates.
func NewEmails(company invoice.Company) (*Emails, error) {
	money := func(d decimal.Decimal) string { return company.Money(d) }

	html, err := htmltemplate.New(TemplateOrderConfirmation).
		Funcs(htmltemplate.FuncMap{"money": money}).
		Parse(confirmationHTML)
	if err != nil {
		return nil, errors.Wrap(err, "parse html template")
	}
	text, err := template.New(TemplateOrderConfirmation).
		Funcs(template.FuncMap{"money": money}).
		Parse(confirmationText)
	if err != nil {
		return nil, errors.Wrap(err, "parse text template")
	}
	return &Emails{company: company, html: html, text: text}, nil
}

// OrderConfirmation builds the confirmation email for o with the invoice
// attached.
func (e *Emails) OrderConfirmation(o *order.Order, a invoice.Artifact) (notify.Message, error) {
	data := emailData{Company: e.company, Order: o}

	var html, text bytes.Buffer
	if err := e.html.Execute(&html, data); err != nil {
		return notify.Message{}, errors.Wrap(err, "render html")
	}
	if err := e.text.Execute(&text, data); err != nil {
		return notify.Message{}, errors.Wrap(err, "render text")
	}

	return notify.Message{
		OrderID:  o.ID,
		To:       o.Customer.Email,
		Subject:  "Your " + e.company.Name + " order " + o.OrderNumber,
		Template: TemplateOrderConfirmation,
		HTML:     html.String(),
		Text:     text.String(),
		Attachments: []notify.Attachment{{
			Filename:    a.Filename(o.InvoiceNumber),
			ContentType: a.ContentType(),
			Data:        a.Data,
		}},
	}, nil
}
