package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/basket"
	"github.com/openlearn/commerce/internal/domain/discount"
	"github.com/openlearn/commerce/internal/domain/order"
)

// GetBasket returns the user's basket contents and applied discount.
func (h *Handler) GetBasket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	b, err := h.baskets.Establish(ctx, userID)
	if err != nil {
		zctx.From(ctx).Error("Establish basket", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	items, err := h.baskets.Items(ctx, b.ID)
	if err != nil {
		zctx.From(ctx).Error("List basket items", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	applied, err := h.baskets.Discount(ctx, b.ID)
	if err != nil {
		zctx.From(ctx).Error("Get basket discount", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(b.ID) })
			e.Field("items", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, item := range items {
						e.Obj(func(e *jx.Encoder) {
							e.Field("id", func(e *jx.Encoder) { e.Str(item.ID) })
							e.Field("product_id", func(e *jx.Encoder) { e.Str(item.ProductID) })
							e.Field("quantity", func(e *jx.Encoder) { e.Int(item.Quantity) })
						})
					}
				})
			})
			e.Field("discount_id", func(e *jx.Encoder) {
				if applied == nil {
					e.Null()
					return
				}
				e.Str(applied.DiscountID)
			})
		})
	})
}

// AddBasketItem adds a product to the user's basket.
func (h *Handler) AddBasketItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var (
		productID string
		quantity  = 1
	)
	err := jx.Decode(r.Body, 4096).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			productID, err = d.Str()
		case "quantity":
			quantity, err = d.Int()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if productID == "" || quantity < 1 {
		writeError(w, r, http.StatusUnprocessableEntity, "product_id and positive quantity required")
		return
	}

	b, err := h.baskets.Establish(ctx, userID)
	if err != nil {
		zctx.From(ctx).Error("Establish basket", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	item := &basket.Item{BasketID: b.ID, ProductID: productID, Quantity: quantity}
	if err := h.baskets.AddItem(ctx, item); err != nil {
		zctx.From(ctx).Error("Add basket item", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(item.ID) })
		})
	})
}

// RemoveBasketItem removes one item from the user's basket.
func (h *Handler) RemoveBasketItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	b, err := h.baskets.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, basket.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "basket not found")
			return
		}
		zctx.From(ctx).Error("Get basket", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.baskets.RemoveItem(ctx, b.ID, r.PathValue("id")); err != nil {
		zctx.From(ctx).Error("Remove basket item", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplyBasketDiscount attaches a coded discount to the user's basket.
func (h *Handler) ApplyBasketDiscount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var code string
	err := jx.Decode(r.Body, 4096).Obj(func(d *jx.Decoder, key string) error {
		var err error
		if key == "code" {
			code, err = d.Str()
			return err
		}
		return d.Skip()
	})
	if err != nil || code == "" {
		writeError(w, r, http.StatusBadRequest, "discount code required")
		return
	}

	applied, err := h.orders.ApplyDiscountCode(ctx, userID, code)
	switch {
	case errors.Is(err, discount.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "unknown discount code")
		return
	case errors.Is(err, order.ErrDiscountNotUsable):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		zctx.From(ctx).Error("Apply discount", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("discount_id", func(e *jx.Encoder) { e.Str(applied.DiscountID) })
		})
	})
}
