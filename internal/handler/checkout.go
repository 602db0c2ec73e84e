package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/basket"
	"github.com/openlearn/commerce/internal/domain/order"
	"github.com/openlearn/commerce/internal/gateway"
)

// Checkout turns the user's basket into a pending order and returns either
// the hosted payment session or the already-fulfilled zero-total order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	result, err := h.orders.Checkout(ctx, userID, clientIP(r), gateway.CallbackURLs{
		Success: h.successURL,
		Cancel:  h.cancelURL,
	})
	if err != nil {
		var pnf *order.ProductNotFoundError
		switch {
		case errors.Is(err, basket.ErrEmptyBasket), errors.Is(err, basket.ErrNotFound):
			writeError(w, r, http.StatusBadRequest, "basket is empty")
		case errors.As(err, &pnf):
			writeError(w, r, http.StatusUnprocessableEntity, pnf.Error())
		default:
			zctx.From(ctx).Error("Checkout", zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("order", func(e *jx.Encoder) { encodeOrder(e, result.Order) })
			e.Field("no_payment_required", func(e *jx.Encoder) { e.Bool(result.NoPaymentRequired) })
			if result.Session != nil {
				e.Field("payment_url", func(e *jx.Encoder) { e.Str(result.Session.URL) })
				e.Field("payment_fields", func(e *jx.Encoder) {
					e.Obj(func(e *jx.Encoder) {
						for name, value := range result.Session.Fields {
							e.Field(name, func(e *jx.Encoder) { e.Str(value) })
						}
					})
				})
			}
		})
	})
}

// CheckoutResult receives the processor's signed form callback and advances
// the order state machine according to the decision.
func (h *Handler) CheckoutResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed callback")
		return
	}

	fields := make(map[string]string, len(r.PostForm))
	for name := range r.PostForm {
		fields[name] = r.PostForm.Get(name)
	}
	signature := fields["signature"]
	delete(fields, "signature")

	if !h.verifier.VerifySignature(fields, signature) {
		zctx.From(ctx).Warn("Callback signature mismatch",
			zap.String("reference_number", fields["req_reference_number"]),
		)
		writeError(w, r, http.StatusUnauthorized, "invalid signature")
		return
	}

	reference := fields["req_reference_number"]
	orderID, err := h.orders.OrderFromReference(reference)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "unrecognized reference number")
		return
	}

	payment, err := json.Marshal(fields)
	if err != nil {
		zctx.From(ctx).Error("Encode callback payload", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	decision := strings.ToUpper(fields["decision"])
	switch decision {
	case "ACCEPT":
		err = h.orders.Fulfill(ctx, orderID, payment)
	case "CANCEL":
		err = h.orders.Cancel(ctx, orderID)
	case "DECLINE":
		err = h.orders.Decline(ctx, orderID)
	case "ERROR":
		err = h.orders.MarkErrored(ctx, orderID)
	case "REVIEW":
		err = h.orders.FlagForReview(ctx, orderID, payment)
	default:
		writeError(w, r, http.StatusUnprocessableEntity, "unknown decision")
		return
	}

	if err != nil {
		var invalid *order.InvalidTransitionError
		switch {
		case errors.Is(err, order.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "order not found")
		case errors.As(err, &invalid):
			// Late or repeated notification for an order that already moved on.
			zctx.From(ctx).Info("Ignoring stale processor callback",
				zap.String("order_id", orderID),
				zap.String("decision", decision),
				zap.Error(err),
			)
			writeJSON(w, r, http.StatusOK, encodeResultAck(decision))
		case errors.Is(err, order.ErrMissingTransactionID):
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		default:
			zctx.From(ctx).Error("Apply processor decision",
				zap.String("order_id", orderID),
				zap.String("decision", decision),
				zap.Error(err),
			)
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, encodeResultAck(decision))
}

func encodeResultAck(decision string) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("decision", func(e *jx.Encoder) { e.Str(decision) })
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
