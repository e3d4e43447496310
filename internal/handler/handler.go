// Package handler exposes the checkout API over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/checkout"
	"github.com/xenking/oasis-checkout/internal/domain/invoice"
	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

// Checkout places orders.
type Checkout interface {
	Place(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

// Promotions previews discounts for a cart.
type Promotions interface {
	Evaluate(ctx context.Context, items []promotion.Item, subtotal decimal.Decimal, code string) (*promotion.Evaluation, error)
}

// Orders looks orders up for status tracking.
type Orders interface {
	FindByNumber(ctx context.Context, orderNumber string) (*order.Order, error)
}

// Invoices returns the invoice artifact of an order.
type Invoices interface {
	Invoice(ctx context.Context, o *order.Order) (*invoice.Invoice, error)
}

// Handler serves the /api routes.
type Handler struct {
	checkout   Checkout
	promotions Promotions
	orders     Orders
	invoices   Invoices
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(c Checkout, p Promotions, o Orders, i Invoices) *Handler {
	return &Handler{
		checkout:   c,
		promotions: p,
		orders:     o,
		invoices:   i,
	}
}

// Routes returns the API router, to be mounted under /api.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/checkout", h.PlaceOrder)
	r.Post("/promotions/evaluate", h.EvaluatePromotions)
	r.Get("/orders/{orderNumber}", h.GetOrder)
	r.Get("/orders/{orderNumber}/invoice", h.GetInvoice)
	return r
}

// RouteFinder returns the chi route pattern that matches r, used to label
// logs and metrics without high-cardinality paths.
func RouteFinder(router chi.Routes) func(r *http.Request) string {
	return func(r *http.Request) string {
		rctx := chi.NewRouteContext()
		if router.Match(rctx, r.Method, r.URL.Path) {
			return rctx.RoutePattern()
		}
		return ""
	}
}
