package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/domain/order"
)

// writeJSON encodes the object with jx and writes it with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(e.Bytes()); err != nil {
		zctx.From(r.Context()).Debug("Write response", zap.Error(err))
	}
}

// writeError writes the uniform error envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(status) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

func encodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Str(d.StringFixed(2))
}

func encodeProduct(e *jx.Encoder, p *catalog.Product) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("price", func(e *jx.Encoder) { encodeDecimal(e, p.Price) })
		e.Field("description", func(e *jx.Encoder) { e.Str(p.Description) })
		e.Field("is_active", func(e *jx.Encoder) { e.Bool(p.IsActive) })
		e.Field("purchasable", func(e *jx.Encoder) { encodePurchasable(e, p.Purchasable) })
	})
}

func encodePurchasable(e *jx.Encoder, p catalog.Purchasable) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(p.Kind)) })
		e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		e.Field("readable_id", func(e *jx.Encoder) { e.Str(p.ReadableID) })
		e.Field("title", func(e *jx.Encoder) { e.Str(p.Title) })
	})
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
		e.Field("reference_number", func(e *jx.Encoder) { e.Str(o.ReferenceNumber) })
		e.Field("state", func(e *jx.Encoder) { e.Str(string(o.State)) })
		e.Field("total_price_paid", func(e *jx.Encoder) { encodeDecimal(e, o.TotalPricePaid) })
		e.Field("created_at", func(e *jx.Encoder) { e.Str(o.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")) })
		e.Field("lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for i := range o.Lines {
					encodeLine(e, &o.Lines[i])
				}
			})
		})
	})
}

func encodeLine(e *jx.Encoder, l *order.Line) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("product_id", func(e *jx.Encoder) { e.Str(l.ProductID) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
		e.Field("unit_price", func(e *jx.Encoder) { encodeDecimal(e, l.UnitPrice) })
		e.Field("discounted_price", func(e *jx.Encoder) { encodeDecimal(e, l.DiscountedPrice) })
		e.Field("purchasable", func(e *jx.Encoder) { encodePurchasable(e, l.Purchasable) })
	})
}
