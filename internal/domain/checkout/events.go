package checkout

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

// Committed is published once an order and its lines are durable.
type Committed struct {
	Order      *order.Order
	Evaluation *promotion.Evaluation
}

// Subscriber reacts to committed orders. It has no way to report failure
// back to checkout.
type Subscriber interface {
	OrderCommitted(ctx context.Context, ev Committed)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Committed)

func (f SubscriberFunc) OrderCommitted(ctx context.Context, ev Committed) { f(ctx, ev) }

// Publisher delivers events to subscribers in registration order. A
// panicking subscriber is logged and skipped.
type Publisher struct {
	subs []Subscriber
}

// NewPublisher creates a Publisher with the given subscribers.
func NewPublisher(subs ...Subscriber) *Publisher {
	return &Publisher{subs: subs}
}

// Subscribe adds a subscriber.
func (p *Publisher) Subscribe(s Subscriber) {
	p.subs = append(p.subs, s)
}

// Publish hands ev to every subscriber. Cancellation of ctx is not
// propagated so that side effects outlive a disconnected client.
func (p *Publisher) Publish(ctx context.Context, ev Committed) {
	if p == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, s := range p.subs {
		deliver(ctx, s, ev)
	}
}

func deliver(ctx context.Context, s Subscriber, ev Committed) {
	defer func() {
		if rec := recover(); rec != nil {
			zctx.From(ctx).Error("Order subscriber panicked",
				zap.String("order_number", ev.Order.OrderNumber),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()
	s.OrderCommitted(ctx, ev)
}
