package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/catalog"
)

// ListProducts returns the active catalog.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.products.List(r.Context())
	if err != nil {
		zctx.From(r.Context()).Error("List products", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range products {
				encodeProduct(e, &products[i])
			}
		})
	})
}

// GetProduct returns one active product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.products.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "product not found")
			return
		}
		zctx.From(r.Context()).Error("Get product", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, r, http.StatusOK, func(e *jx.Encoder) { encodeProduct(e, p) })
}

type createProductRequest struct {
	Kind        string
	Purchasable string
	Price       decimal.Decimal
	Description string
}

func decodeCreateProduct(d *jx.Decoder) (req createProductRequest, err error) {
	err = d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "purchasable_kind":
			req.Kind, err = d.Str()
		case "purchasable_id":
			req.Purchasable, err = d.Str()
		case "price":
			var raw string
			if raw, err = d.Str(); err == nil {
				req.Price, err = decimal.NewFromString(raw)
			}
		case "description":
			req.Description, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	return req, err
}

// CreateProduct registers a new purchasable product (admin).
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateProduct(jx.Decode(r.Body, 4096))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}

	kind := catalog.PurchasableKind(req.Kind)
	if kind != catalog.KindCourseRun && kind != catalog.KindProgramRun {
		writeError(w, r, http.StatusUnprocessableEntity, "unknown purchasable kind")
		return
	}
	if req.Purchasable == "" {
		writeError(w, r, http.StatusUnprocessableEntity, "purchasable_id is required")
		return
	}

	p := &catalog.Product{
		Purchasable: catalog.Purchasable{Kind: kind, ID: req.Purchasable},
		Price:       req.Price,
		Description: req.Description,
		IsActive:    true,
	}
	if err := h.products.Create(r.Context(), p); err != nil {
		if errors.Is(err, catalog.ErrActiveProductExists) {
			writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		zctx.From(r.Context()).Error("Create product", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, r, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(p.ID) })
		})
	})
}

// DeactivateProduct soft-deletes a product (admin).
func (h *Handler) DeactivateProduct(w http.ResponseWriter, r *http.Request) {
	if err := h.products.Deactivate(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "product not found")
			return
		}
		zctx.From(r.Context()).Error("Deactivate product", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
