// Package handler exposes the HTTP API: public catalog reads, per-user
// basket and checkout routes, the payment processor callback, and the
// API-key protected admin surface.
//
// Learner identity arrives in the X-User-Id header, set by the auth proxy
// in front of this service.
package handler

import (
	"net/http"

	"github.com/openlearn/commerce/internal/domain/basket"
	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/domain/discount"
	"github.com/openlearn/commerce/internal/domain/order"
)

// SignatureVerifier checks processor callback authenticity.
type SignatureVerifier interface {
	VerifySignature(fields map[string]string, signature string) bool
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// SuccessURL and CancelURL are where the processor sends the purchaser
	// after checkout.
	SuccessURL string
	CancelURL  string
}

// Handler routes HTTP requests to the domain services.
type Handler struct {
	products  catalog.Repository
	baskets   basket.Repository
	discounts discount.Repository
	orders    *order.Service
	verifier  SignatureVerifier
	security  *Security

	successURL string
	cancelURL  string
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	products catalog.Repository,
	baskets basket.Repository,
	discounts discount.Repository,
	orders *order.Service,
	verifier SignatureVerifier,
	security *Security,
) *Handler {
	return &Handler{
		products:   products,
		baskets:    baskets,
		discounts:  discounts,
		orders:     orders,
		verifier:   verifier,
		security:   security,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
}

// Routes returns the API route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)

	mux.HandleFunc("GET /api/basket", h.GetBasket)
	mux.HandleFunc("POST /api/basket/items", h.AddBasketItem)
	mux.HandleFunc("DELETE /api/basket/items/{id}", h.RemoveBasketItem)
	mux.HandleFunc("POST /api/basket/discounts", h.ApplyBasketDiscount)

	mux.HandleFunc("POST /api/checkout", h.Checkout)
	mux.HandleFunc("POST /api/checkout/result", h.CheckoutResult)

	mux.HandleFunc("GET /api/orders/history", h.OrderHistory)

	mux.HandleFunc("POST /api/admin/refunds", h.security.RequireScope("refunds", h.RefundOrder))
	mux.HandleFunc("POST /api/admin/refunds/record", h.security.RequireScope("refunds", h.RecordRefund))
	mux.HandleFunc("POST /api/admin/discounts", h.security.RequireScope("discounts", h.CreateDiscount))
	mux.HandleFunc("POST /api/admin/products", h.security.RequireScope("catalog", h.CreateProduct))
	mux.HandleFunc("DELETE /api/admin/products/{id}", h.security.RequireScope("catalog", h.DeactivateProduct))

	return mux
}

// userID extracts the authenticated learner, or writes 401.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return id, true
}
