package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/discount"
	"github.com/openlearn/commerce/internal/domain/order"
	"github.com/openlearn/commerce/internal/gateway"
)

type refundRequest struct {
	OrderID  string
	Amount   *decimal.Decimal
	Reason   string
	Unenroll bool
}

func decodeRefundRequest(d *jx.Decoder) (req refundRequest, err error) {
	err = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "order_id":
			req.OrderID, err = d.Str()
		case "amount":
			var raw string
			if raw, err = d.Str(); err == nil {
				var amount decimal.Decimal
				if amount, err = decimal.NewFromString(raw); err == nil {
					req.Amount = &amount
				}
			}
		case "reason":
			req.Reason, err = d.Str()
		case "unenroll":
			req.Unenroll, err = d.Bool()
		default:
			return d.Skip()
		}
		return err
	})
	return req, err
}

// RefundOrder processes a staff-initiated refund. Business denials come back
// as 200 with refunded=false so the caller can show the message verbatim.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeRefundRequest(jx.Decode(r.Body, 4096))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.OrderID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "order_id is required")
		return
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		writeError(w, r, http.StatusUnprocessableEntity, "amount must be positive")
		return
	}

	refunded, err := h.orders.RefundOrder(ctx, req.OrderID, req.Amount, req.Reason, req.Unenroll)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "order not found")
			return
		case errors.Is(err, order.ErrNotRefundable),
			errors.Is(err, order.ErrNoPaymentTransaction),
			errors.Is(err, gateway.ErrMissingTransactionID),
			errors.Is(err, gateway.ErrRefundDenied):
			zctx.From(ctx).Info("Refund denied",
				zap.String("order_id", req.OrderID),
				zap.Error(err),
			)
			writeJSON(w, r, http.StatusOK, encodeRefundOutcome(false, err.Error()))
			return
		}
		zctx.From(ctx).Error("Refund order",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, encodeRefundOutcome(refunded, ""))
}

type recordRefundRequest struct {
	OrderID         string
	GatewayResponse []byte
	Amount          decimal.Decimal
	Reason          string
	Unenroll        bool
}

func decodeRecordRefundRequest(d *jx.Decoder) (req recordRefundRequest, err error) {
	err = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "order_id":
			req.OrderID, err = d.Str()
		case "gateway_response":
			var raw jx.Raw
			if raw, err = d.Raw(); err == nil {
				req.GatewayResponse = []byte(raw)
			}
		case "amount":
			var raw string
			if raw, err = d.Str(); err == nil {
				req.Amount, err = decimal.NewFromString(raw)
			}
		case "reason":
			req.Reason, err = d.Str()
		case "unenroll":
			req.Unenroll, err = d.Bool()
		default:
			return d.Skip()
		}
		return err
	})
	return req, err
}

// RecordRefund registers a refund the processor already executed, e.g. a
// chargeback or a refund issued from the processor dashboard. The gateway is
// never called; only the local ledger and order state change.
func (h *Handler) RecordRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeRecordRefundRequest(jx.Decode(r.Body, 16384))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.OrderID == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "order_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, r, http.StatusUnprocessableEntity, "amount must be positive")
		return
	}
	if len(req.GatewayResponse) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, "gateway_response is required")
		return
	}

	if err := h.orders.Refund(ctx, req.OrderID, req.GatewayResponse, req.Amount, req.Reason, req.Unenroll); err != nil {
		switch {
		case errors.Is(err, order.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrMissingTransactionID):
			writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, order.ErrNotRefundable):
			zctx.From(ctx).Info("Refund record rejected",
				zap.String("order_id", req.OrderID),
				zap.Error(err),
			)
			writeJSON(w, r, http.StatusOK, encodeRefundOutcome(false, err.Error()))
		default:
			zctx.From(ctx).Error("Record refund",
				zap.String("order_id", req.OrderID),
				zap.Error(err),
			)
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, encodeRefundOutcome(true, ""))
}

func encodeRefundOutcome(refunded bool, message string) func(e *jx.Encoder) {
	return func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("refunded", func(e *jx.Encoder) { e.Bool(refunded) })
			if message != "" {
				e.Field("message", func(e *jx.Encoder) { e.Str(message) })
			}
		})
	}
}

func decodeDiscount(d *jx.Decoder) (dc discount.Discount, err error) {
	parseDate := func(d *jx.Decoder) (*time.Time, error) {
		raw, err := d.Str()
		if err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	err = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			dc.Code, err = d.Str()
		case "type":
			var raw string
			if raw, err = d.Str(); err == nil {
				dc.Type = discount.Type(raw)
			}
		case "amount":
			var raw string
			if raw, err = d.Str(); err == nil {
				dc.Amount, err = decimal.NewFromString(raw)
			}
		case "redemption_type":
			var raw string
			if raw, err = d.Str(); err == nil {
				dc.RedemptionType = discount.RedemptionType(raw)
			}
		case "max_redemptions":
			dc.MaxRedemptions, err = d.Int()
		case "payment_type":
			dc.PaymentType, err = d.Str()
		case "activation_date":
			dc.ActivationDate, err = parseDate(d)
		case "expiration_date":
			dc.ExpirationDate, err = parseDate(d)
		case "product_ids":
			return d.Arr(func(d *jx.Decoder) error {
				id, err := d.Str()
				if err != nil {
					return err
				}
				dc.ProductIDs = append(dc.ProductIDs, id)
				return nil
			})
		default:
			return d.Skip()
		}
		return err
	})
	return dc, err
}

// CreateDiscount registers a new discount (admin).
func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dc, err := decodeDiscount(jx.Decode(r.Body, 8192))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}

	switch dc.Type {
	case discount.TypePercentOff, discount.TypeDollarsOff, discount.TypeFixedPrice:
	default:
		writeError(w, r, http.StatusUnprocessableEntity, "unknown discount type")
		return
	}
	switch dc.RedemptionType {
	case discount.RedemptionOneTime, discount.RedemptionOneTimePerUser,
		discount.RedemptionSetLimit, discount.RedemptionUnlimited:
	default:
		writeError(w, r, http.StatusUnprocessableEntity, "unknown redemption type")
		return
	}

	if err := h.discounts.Save(ctx, &dc); err != nil {
		var verr *discount.ValidationError
		if errors.As(err, &verr) {
			writeError(w, r, http.StatusUnprocessableEntity, verr.Error())
			return
		}
		zctx.From(ctx).Error("Save discount", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(dc.ID) })
			e.Field("code", func(e *jx.Encoder) { e.Str(dc.Code) })
		})
	})
}
