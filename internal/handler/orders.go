package handler

import (
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

const msgOrderNotFound = "Order not found."

// EvaluatePromotions handles POST /api/promotions/evaluate. It previews the
// discount of a cart without recording usage.
func (h *Handler) EvaluatePromotions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) { encodeFailure(e, msgInvalidBody, nil) })
		return
	}
	req, err := decodeEvaluateRequest(body)
	if err != nil || len(req.Items) == 0 {
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) { encodeFailure(e, msgInvalidBody, nil) })
		return
	}

	subtotal := promotion.Subtotal(req.Items)
	if req.Subtotal != nil {
		subtotal = *req.Subtotal
	}

	ev, err := h.promotions.Evaluate(ctx, req.Items, subtotal, strings.TrimSpace(req.Code))
	var rejected *promotion.CodeRejectedError
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
			encodeFailure(e, rejected.Message(), func(e *jx.Encoder) {
				e.FieldStart("reason")
				e.Str(string(rejected.Reason))
			})
		})
	case err != nil:
		zctx.From(ctx).Error("Evaluate promotions", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, func(e *jx.Encoder) {
			encodeFailure(e, "Promotions are unavailable right now.", nil)
		})
	default:
		writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeEvaluation(e, ev) })
	}
}

// GetOrder handles GET /api/orders/{orderNumber}?email=. The email must
// match the order's customer.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.lookupOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// GetInvoice handles GET /api/orders/{orderNumber}/invoice?email=.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	o, ok := h.lookupOrder(w, r)
	if !ok {
		return
	}

	inv, err := h.invoices.Invoice(r.Context(), o)
	if err != nil {
		zctx.From(r.Context()).Error("Load invoice",
			zap.String("order_number", o.OrderNumber),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, func(e *jx.Encoder) {
			encodeFailure(e, "The invoice is unavailable right now.", nil)
		})
		return
	}

	w.Header().Set("Content-Type", inv.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(inv.Document)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(inv.StorageRef)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(inv.Document)
}

func (h *Handler) lookupOrder(w http.ResponseWriter, r *http.Request) (*order.Order, bool) {
	ctx := r.Context()
	number := chi.URLParam(r, "orderNumber")
	email := strings.TrimSpace(r.URL.Query().Get("email"))

	notFound := func() {
		writeJSON(w, http.StatusNotFound, func(e *jx.Encoder) { encodeFailure(e, msgOrderNotFound, nil) })
	}
	if number == "" || email == "" {
		notFound()
		return nil, false
	}

	o, err := h.orders.FindByNumber(ctx, number)
	if errors.Is(err, order.ErrNotFound) {
		notFound()
		return nil, false
	}
	if err != nil {
		zctx.From(ctx).Error("Find order", zap.String("order_number", number), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, func(e *jx.Encoder) {
			encodeFailure(e, "Orders are unavailable right now.", nil)
		})
		return nil, false
	}
	// Unknown orders and foreign emails look the same to the caller.
	if !strings.EqualFold(o.Customer.Email, email) {
		notFound()
		return nil, false
	}
	return o, true
}
