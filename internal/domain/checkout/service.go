// Package checkout turns a submitted cart into a committed order.
package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/oasis-checkout/internal/domain/identity"
	"github.com/xenking/oasis-checkout/internal/domain/inventory"
	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

const instrumentationName = "github.com/xenking/oasis-checkout/internal/domain/checkout"

const (
	// claimAttempts bounds how often a submission re-creates its draft after
	// finding an earlier identical draft that was discarded.
	claimAttempts   = 3
	finalizeRetries = 3
	finalizeBackoff = 20 * time.Millisecond
)

// Item is a submitted cart line.
type Item struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Quantity  int
}

// Request is a checkout submission.
type Request struct {
	// Token is the bearer token of the caller, empty for guests.
	Token           string
	Customer        order.Customer
	ShippingAddress order.Address
	Items           []Item
	// Subtotal, Delivery and Total are the client's figures. They are
	// logged when they disagree with the server's but never trusted.
	Subtotal      decimal.Decimal
	Delivery      decimal.Decimal
	Total         decimal.Decimal
	PromoCode     string
	PaymentMethod string
	Notes         string
}

// Result identifies the order a submission resolved to.
type Result struct {
	OrderID       string
	OrderNumber   string
	InvoiceNumber string
	// Duplicate is set when the submission matched an existing order.
	Duplicate bool
	// ItemsRemoved names the lines left out of a partially fulfilled order.
	ItemsRemoved []string
	Warning      string
	Order        *order.Order
}

// Pricing holds the delivery fee policy.
type Pricing struct {
	DeliveryFee           decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// Delivery returns the delivery fee for an order with the given subtotal.
func (p Pricing) Delivery(subtotal decimal.Decimal, freeShipping bool) decimal.Decimal {
	if freeShipping || subtotal.GreaterThan(p.FreeShippingThreshold) {
		return decimal.Zero
	}
	return p.DeliveryFee
}

// Options are the checkout policies.
type Options struct {
	// AllowPartialFulfillment commits the valid subset of a cart when some
	// lines fail validation. When false any invalid line aborts the order.
	AllowPartialFulfillment bool
	IdempotencyWindow       time.Duration
	// InProgressWait is how long a duplicate submission waits for the
	// original one to commit before it is told to retry.
	InProgressWait time.Duration
	Pricing        Pricing
}

// IdentityResolver resolves the acting customer from a bearer token.
type IdentityResolver interface {
	Resolve(token string) (identity.Principal, error)
}

// PromotionEvaluator computes and records discounts.
type PromotionEvaluator interface {
	Evaluate(ctx context.Context, items []promotion.Item, subtotal decimal.Decimal, code string) (*promotion.Evaluation, error)
	RecordUsage(ctx context.Context, ev *promotion.Evaluation) error
}

// Deps are the collaborators of the Service.
type Deps struct {
	Identity       IdentityResolver
	Guard          *order.Guard
	Writer         *order.Writer
	Validator      *inventory.Validator
	Promotions     PromotionEvaluator
	Events         *Publisher
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

// Service runs the checkout pipeline.
type Service struct {
	identity   IdentityResolver
	guard      *order.Guard
	writer     *order.Writer
	validator  *inventory.Validator
	promotions PromotionEvaluator
	events     *Publisher
	opts       Options
	now        func() time.Time

	tracer        trace.Tracer
	ordersTotal   metric.Int64Counter
	rejectedLines metric.Int64Counter
}

// NewService creates the checkout Service.
func NewService(deps Deps, opts Options) (*Service, error) {
	if opts.IdempotencyWindow <= 0 {
		opts.IdempotencyWindow = 10 * time.Minute
	}
	if opts.InProgressWait <= 0 {
		opts.InProgressWait = 5 * time.Second
	}

	meter := deps.MeterProvider.Meter(instrumentationName)
	ordersTotal, err := meter.Int64Counter("checkout.orders",
		metric.WithDescription("Checkout submissions by outcome"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create orders counter")
	}
	rejectedLines, err := meter.Int64Counter("checkout.rejected_lines",
		metric.WithDescription("Cart lines left out of orders by reason"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create rejected lines counter")
	}

	return &Service{
		identity:      deps.Identity,
		guard:         deps.Guard,
		writer:        deps.Writer,
		validator:     deps.Validator,
		promotions:    deps.Promotions,
		events:        deps.Events,
		opts:          opts,
		now:           time.Now,
		tracer:        deps.TracerProvider.Tracer(instrumentationName),
		ordersTotal:   ordersTotal,
		rejectedLines: rejectedLines,
	}, nil
}

// Place runs a submission through the pipeline. The only errors meant for
// the customer are *ValidationError, identity.ErrAuthRequired,
// *OrderAbortedError and order.ErrInProgress; anything else is an internal
// failure.
func (s *Service) Place(ctx context.Context, req Request) (_ *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Place")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	res, outcome, err := s.place(ctx, req)
	s.ordersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	span.SetAttributes(attribute.String("checkout.outcome", outcome))
	return res, err
}

func (s *Service) place(ctx context.Context, req Request) (*Result, string, error) {
	if err := validateRequest(req); err != nil {
		return nil, "invalid", err
	}

	principal, err := s.identity.Resolve(req.Token)
	if err != nil {
		return nil, "auth_required", err
	}

	now := s.now()
	key := order.IdempotencyKey(principal.Key(req.Customer.Email), productIDs(req.Items), now, s.opts.IdempotencyWindow)
	lg := zctx.From(ctx).With(zap.String("idempotency_key", key[:16]))
	ctx = zctx.Base(ctx, lg)

	draft, existing, err := s.claim(ctx, req, principal, key, now)
	switch {
	case errors.Is(err, order.ErrInProgress):
		lg.Info("Identical submission still in progress")
		return nil, "in_progress", err
	case err != nil:
		return nil, "error", err
	case existing != nil:
		lg.Info("Duplicate submission, returning existing order", zap.String("order_number", existing.OrderNumber))
		return duplicateResult(existing), "duplicate", nil
	}
	lg = lg.With(zap.String("order_number", draft.OrderNumber))
	ctx = zctx.Base(ctx, lg)
	lg.Info("Draft order created")

	validated, err := s.validate(ctx, req.Items)
	if err != nil {
		s.discard(ctx, draft)
		return nil, "error", err
	}
	s.countRejected(ctx, validated.Invalid)

	if len(validated.Valid) == 0 || (!s.opts.AllowPartialFulfillment && len(validated.Invalid) > 0) {
		lg.Info("No orderable lines, aborting", zap.Strings("unavailable", validated.InvalidNames()))
		s.discard(ctx, draft)
		return nil, "aborted", &OrderAbortedError{Items: validated.InvalidNames()}
	}

	committed := s.writer.Commit(ctx, draft, validated.Valid)
	s.countRejected(ctx, committed.Excluded)
	removed := validated.InvalidNames()
	for _, rej := range committed.Excluded {
		removed = append(removed, rej.Label())
	}
	if len(committed.Lines) == 0 {
		lg.Warn("No line could be written, aborting", zap.Strings("unavailable", removed))
		s.discard(ctx, draft)
		return nil, "aborted", &OrderAbortedError{Items: removed}
	}

	ev, warning := s.finalize(ctx, draft, validated.Valid, req)

	if len(removed) > 0 {
		lg.Info("Order committed without some items", zap.Strings("removed", removed))
		msg := "Some items were unavailable and have been removed from your order: " + strings.Join(removed, ", ")
		warning = joinWarnings(msg, warning)
	}

	s.events.Publish(ctx, Committed{Order: draft, Evaluation: ev})

	outcome := "committed"
	if len(removed) > 0 {
		outcome = "partial"
	}
	return &Result{
		OrderID:       draft.ID,
		OrderNumber:   draft.OrderNumber,
		InvoiceNumber: draft.InvoiceNumber,
		ItemsRemoved:  removed,
		Warning:       warning,
		Order:         draft,
	}, outcome, nil
}

// claim creates the draft for key. When an identical submission already
// holds the key it waits for that order to commit and returns it instead; if
// the earlier draft is discarded the key is claimed again.
func (s *Service) claim(ctx context.Context, req Request, p identity.Principal, key string, now time.Time) (draft, existing *order.Order, err error) {
	lg := zctx.From(ctx)
	for range claimAttempts {
		existing, err = s.guard.Lookup(ctx, key)
		if err != nil {
			lg.Warn("Idempotency lookup failed, relying on unique index", zap.Error(err))
		}
		if existing == nil {
			draft = s.newDraft(req, p, key, now)
			existing, err = s.writer.CreateDraft(ctx, draft)
			if err != nil {
				return nil, nil, errors.Wrap(err, "create draft order")
			}
			if existing == nil {
				return draft, nil, nil
			}
		}

		settled, err := s.guard.Settle(ctx, existing, s.opts.InProgressWait)
		if err != nil {
			if errors.Is(err, order.ErrInProgress) {
				return nil, nil, err
			}
			return nil, nil, errors.Wrap(err, "await identical submission")
		}
		if settled != nil {
			return nil, settled, nil
		}
		lg.Info("Identical submission was discarded, placing order again",
			zap.String("discarded_order_number", existing.OrderNumber),
		)
	}
	return nil, nil, order.ErrInProgress
}

func (s *Service) newDraft(req Request, p identity.Principal, key string, now time.Time) *order.Order {
	orderNumber, invoiceNumber := order.NewNumbers(now)

	subtotal := decimal.Zero
	for _, it := range req.Items {
		subtotal = subtotal.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	method := req.PaymentMethod
	if method == "" {
		method = order.PaymentBankTransfer
	}

	o := &order.Order{
		ID:              uuid.NewString(),
		OrderNumber:     orderNumber,
		InvoiceNumber:   invoiceNumber,
		IdempotencyKey:  key,
		UserID:          p.UserID,
		Customer:        normalizeCustomer(req.Customer),
		ShippingAddress: req.ShippingAddress,
		Status:          order.StatusDraft,
		PaymentStatus:   order.PaymentPending,
		PaymentMethod:   method,
		Notes:           strings.TrimSpace(req.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.SetTotals(order.NewTotals(subtotal, decimal.Zero, s.opts.Pricing.Delivery(subtotal, false)))
	return o
}

func (s *Service) validate(ctx context.Context, items []Item) (*inventory.Result, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.validate")
	defer span.End()

	lines := make([]inventory.Line, len(items))
	for i, it := range items {
		lines[i] = inventory.Line{ProductID: it.ProductID, Name: it.Name, Quantity: it.Quantity, UnitPrice: it.Price}
	}
	res, err := s.validator.Validate(ctx, lines)
	if err != nil {
		return nil, errors.Wrap(err, "validate cart")
	}
	span.SetAttributes(
		attribute.Int("checkout.valid_lines", len(res.Valid)),
		attribute.Int("checkout.invalid_lines", len(res.Invalid)),
	)
	return res, nil
}

// finalize prices the committed lines and persists the totals. It returns
// the promotions in effect and a customer-facing warning when the promo code
// could not be honoured.
func (s *Service) finalize(ctx context.Context, o *order.Order, valid []inventory.ValidLine, req Request) (*promotion.Evaluation, string) {
	lg := zctx.From(ctx)

	products := make(map[string]inventory.ValidLine, len(valid))
	for _, vl := range valid {
		products[vl.Product.ID] = vl
	}
	items := make([]promotion.Item, 0, len(o.Lines))
	subtotal := decimal.Zero
	for _, l := range o.Lines {
		p := products[l.ProductID].Product
		items = append(items, promotion.Item{
			ProductID: l.ProductID,
			Category:  p.Category,
			Brand:     p.Brand,
			Price:     l.UnitPrice,
			Quantity:  l.Quantity,
		})
		subtotal = subtotal.Add(l.LineTotal)
	}

	ev, warning := s.evaluate(ctx, items, subtotal, req.PromoCode)

	totals := order.NewTotals(subtotal, ev.TotalDiscount, s.opts.Pricing.Delivery(subtotal, ev.FreeShipping))
	o.SetTotals(totals)
	o.Promotions = ev.Applied
	o.PromoCode = ""
	for _, a := range ev.Applied {
		if a.Code != "" {
			o.PromoCode = a.Code
		}
	}

	if !req.Total.IsZero() && !req.Total.Equal(totals.Total) {
		lg.Info("Submitted total differs from server total",
			zap.String("submitted", req.Total.String()),
			zap.String("computed", totals.Total.String()),
		)
	}

	if err := s.finalizeWithRetry(ctx, o); err != nil {
		lg.Error("Order totals not updated, order left as draft", zap.Error(err))
		o.SetTotals(order.NewTotals(subtotal, decimal.Zero, s.opts.Pricing.Delivery(subtotal, false)))
		o.Promotions, o.PromoCode = nil, ""
		return &promotion.Evaluation{TotalDiscount: decimal.Zero}, warning
	}

	if len(ev.Applied) > 0 {
		if err := s.promotions.RecordUsage(ctx, ev); err != nil {
			lg.Warn("Promotion usage not recorded", zap.Error(err))
		}
	}
	return ev, warning
}

func (s *Service) finalizeWithRetry(ctx context.Context, o *order.Order) error {
	ctx = context.WithoutCancel(ctx)
	delay := finalizeBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = s.writer.Finalize(ctx, o); err == nil || attempt == finalizeRetries {
			return err
		}
		zctx.From(ctx).Warn("Order totals update failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		time.Sleep(delay)
		delay *= 2
	}
}

// evaluate never fails: a rejected code falls back to the automatic
// promotions and a store failure to no discount.
func (s *Service) evaluate(ctx context.Context, items []promotion.Item, subtotal decimal.Decimal, code string) (*promotion.Evaluation, string) {
	lg := zctx.From(ctx)
	none := &promotion.Evaluation{TotalDiscount: decimal.Zero}
	if s.promotions == nil {
		return none, ""
	}

	ev, err := s.promotions.Evaluate(ctx, items, subtotal, code)
	var rejected *promotion.CodeRejectedError
	switch {
	case err == nil:
		return ev, ""
	case errors.As(err, &rejected):
		lg.Info("Promo code rejected at checkout", zap.String("code", rejected.Code), zap.String("reason", string(rejected.Reason)))
		warning := rejected.Message() + " The order was placed without it."
		ev, err = s.promotions.Evaluate(ctx, items, subtotal, "")
		if err != nil {
			lg.Error("Promotion evaluation failed", zap.Error(err))
			return none, warning
		}
		return ev, warning
	default:
		lg.Error("Promotion evaluation failed", zap.Error(err))
		return none, ""
	}
}

func (s *Service) discard(ctx context.Context, draft *order.Order) {
	if err := s.writer.Discard(context.WithoutCancel(ctx), draft); err != nil {
		zctx.From(ctx).Error("Draft order not deleted", zap.Error(err))
	}
}

func (s *Service) countRejected(ctx context.Context, rejected []inventory.Rejection) {
	for _, r := range rejected {
		s.rejectedLines.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", r.Reason())))
	}
}

// duplicateResult reports a committed order matched by key.
func duplicateResult(o *order.Order) *Result {
	return &Result{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		InvoiceNumber: o.InvoiceNumber,
		Duplicate:     true,
		Order:         o,
	}
}

func productIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}
	return ids
}

func normalizeCustomer(c order.Customer) order.Customer {
	return order.Customer{
		FirstName: strings.TrimSpace(c.FirstName),
		LastName:  strings.TrimSpace(c.LastName),
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:     strings.TrimSpace(c.Phone),
	}
}

func joinWarnings(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

func validateRequest(req Request) error {
	c := req.Customer
	required := []struct{ field, value string }{
		{"customer.firstName", c.FirstName},
		{"customer.lastName", c.LastName},
		{"customer.email", c.Email},
		{"customer.phone", c.Phone},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
	}
	if !validEmail(strings.TrimSpace(c.Email)) {
		return &ValidationError{Field: "customer.email", Reason: "is not a valid email address"}
	}

	if len(req.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for _, it := range req.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return &ValidationError{Field: "items.id", Reason: "is required"}
		}
		if it.Quantity < 1 {
			return &ValidationError{Field: "items.quantity", Reason: "must be at least 1 for " + it.ProductID}
		}
		if it.Price.IsNegative() {
			return &ValidationError{Field: "items.price", Reason: "must not be negative for " + it.ProductID}
		}
	}
	return nil
}

// validEmail accepts a single @ with non-empty local and domain parts.
func validEmail(s string) bool {
	local, domain, ok := strings.Cut(s, "@")
	return ok && local != "" && domain != "" && !strings.Contains(domain, "@") && !strings.ContainsAny(s, " \t")
}
