// Package fulfillment issues the invoice and confirmation email of committed
// orders. Nothing here can fail a checkout.
package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/oasis-checkout/internal/domain/checkout"
	"github.com/xenking/oasis-checkout/internal/domain/invoice"
	"github.com/xenking/oasis-checkout/internal/domain/notify"
	"github.com/xenking/oasis-checkout/internal/domain/order"
)

// Sender delivers a message and reports the outcome.
type Sender interface {
	Send(ctx context.Context, msg notify.Message) notify.Result
}

// Subscriber reacts to committed orders. It implements checkout.Subscriber.
type Subscriber struct {
	renderer *invoice.Service
	invoices invoice.Repository
	sender   Sender
	emails   *Emails
	now      func() time.Time
}

var _ checkout.Subscriber = (*Subscriber)(nil)

// NewSubscriber creates a Subscriber. invoices and sender may be nil, in
// which case the invoice is not stored or the email is not sent.
func NewSubscriber(renderer *invoice.Service, invoices invoice.Repository, sender Sender, emails *Emails) *Subscriber {
	return &Subscriber{
		renderer: renderer,
		invoices: invoices,
		sender:   sender,
		emails:   emails,
		now:      time.Now,
	}
}

// OrderCommitted renders the invoice, stores it and sends the confirmation.
func (s *Subscriber) OrderCommitted(ctx context.Context, ev checkout.Committed) {
	o := ev.Order
	lg := zctx.From(ctx).With(
		zap.String("order_number", o.OrderNumber),
		zap.String("invoice_number", o.InvoiceNumber),
	)
	ctx = zctx.Base(ctx, lg)

	artifact := s.renderer.Render(ctx, invoice.FromOrder(o, s.now()))

	if err := s.store(ctx, o, artifact); err != nil {
		lg.Error("Invoice not stored", zap.Error(err))
	}

	if s.sender == nil {
		return
	}
	msg, err := s.emails.OrderConfirmation(o, artifact)
	if err != nil {
		lg.Error("Confirmation email not rendered", zap.Error(err))
		return
	}
	res := s.sender.Send(ctx, msg)
	lg.Info("Order confirmation dispatched", zap.String("outcome", string(res.Outcome)))
}

func (s *Subscriber) store(ctx context.Context, o *order.Order, a invoice.Artifact) error {
	if s.invoices == nil {
		return nil
	}
	inv := &invoice.Invoice{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Number:      o.InvoiceNumber,
		Amount:      o.TotalAmount,
		StorageRef:  a.StorageRef(o.InvoiceNumber),
		ContentType: a.ContentType(),
		Document:    a.Data,
		Status:      invoice.StatusIssued,
		CreatedAt:   s.now(),
	}
	err := s.invoices.Create(ctx, inv)
	if errors.Is(err, invoice.ErrAlreadyExists) {
		zctx.From(ctx).Info("Invoice already stored")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "create invoice")
	}
	return nil
}

// Invoice returns the stored invoice of o, rendering it on demand when none
// was stored.
func (s *Subscriber) Invoice(ctx context.Context, o *order.Order) (*invoice.Invoice, error) {
	if s.invoices != nil {
		inv, err := s.invoices.FindByOrderID(ctx, o.ID)
		if err == nil {
			return inv, nil
		}
		if !errors.Is(err, invoice.ErrNotFound) {
			return nil, errors.Wrap(err, "find invoice")
		}
	}

	a := s.renderer.Render(ctx, invoice.FromOrder(o, o.CreatedAt))
	return &invoice.Invoice{
		OrderID:     o.ID,
		Number:      o.InvoiceNumber,
		Amount:      o.TotalAmount,
		StorageRef:  a.StorageRef(o.InvoiceNumber),
		ContentType: a.ContentType(),
		Document:    a.Data,
		Status:      invoice.StatusIssued,
		CreatedAt:   o.CreatedAt,
	}, nil
}
