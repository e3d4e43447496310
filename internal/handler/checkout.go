package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/oasis-checkout/internal/domain/checkout"
	"github.com/xenking/oasis-checkout/internal/domain/identity"
	"github.com/xenking/oasis-checkout/internal/domain/order"
)

const (
	msgInvalidBody  = "Invalid request body."
	msgAuthRequired = "Please sign in or create an account to complete your order."
	msgAborted      = "None of the items in your cart are available. Your order was not placed."
	msgInternal     = "Something went wrong while placing your order. Please try again."
	msgInProgress   = "Your order is still being processed. Please try again in a moment."
)

// PlaceOrder handles POST /api/checkout.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readBody(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) { encodeFailure(e, msgInvalidBody, nil) })
		return
	}
	req, err := decodeCheckoutRequest(body)
	if err != nil {
		zctx.From(ctx).Debug("Decode checkout request", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) { encodeFailure(e, msgInvalidBody, nil) })
		return
	}
	req.Token = bearerToken(r)

	res, err := h.checkout.Place(ctx, req)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeCheckoutResult(e, res) })
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *checkout.ValidationError
		aborted    *checkout.OrderAbortedError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, func(e *jx.Encoder) {
			encodeFailure(e, validation.Error(), func(e *jx.Encoder) {
				e.FieldStart("field")
				e.Str(validation.Field)
			})
		})
	case errors.Is(err, identity.ErrAuthRequired):
		writeJSON(w, http.StatusUnauthorized, func(e *jx.Encoder) {
			encodeFailure(e, msgAuthRequired, func(e *jx.Encoder) {
				e.FieldStart("requiresAuth")
				e.Bool(true)
			})
		})
	case errors.As(err, &aborted):
		writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
			encodeFailure(e, msgAborted, func(e *jx.Encoder) {
				encodeStrings(e, "itemsRemoved", aborted.Items)
			})
		})
	case errors.Is(err, order.ErrInProgress):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, func(e *jx.Encoder) {
			encodeFailure(e, msgInProgress, func(e *jx.Encoder) {
				e.FieldStart("retryable")
				e.Bool(true)
			})
		})
	default:
		zctx.From(r.Context()).Error("Checkout failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, func(e *jx.Encoder) { encodeFailure(e, msgInternal, nil) })
	}
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
