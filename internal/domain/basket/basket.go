// Package basket implements the per-user cart staged before checkout.
package basket

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a user has no basket.
	ErrNotFound = errors.New("basket not found")
	// ErrEmptyBasket is returned when checkout is attempted on an empty basket.
	ErrEmptyBasket = errors.New("basket is empty")
)

// Basket is a user's cart. One basket per user; created lazily on first
// checkout interaction and deleted once fully captured into a fulfilled
// order. Not an audit record.
type Basket struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Item is a product line in a basket.
type Item struct {
	ID        string
	BasketID  string
	ProductID string
	Quantity  int
}

// AppliedDiscount is the at-most-one discount attached to a basket.
type AppliedDiscount struct {
	ID           string
	BasketID     string
	DiscountID   string
	RedeemedBy   string
	RedeemedDate time.Time
}

// LineSummary is the order-side shape used for equivalence checks.
type LineSummary struct {
	ProductID string
	Quantity  int
}

// Repository defines basket persistence.
type Repository interface {
	// Establish gets or lazily creates the user's basket.
	Establish(ctx context.Context, userID string) (*Basket, error)
	// GetByUser returns the user's basket or ErrNotFound.
	GetByUser(ctx context.Context, userID string) (*Basket, error)
	Items(ctx context.Context, basketID string) ([]Item, error)
	AddItem(ctx context.Context, item *Item) error
	RemoveItem(ctx context.Context, basketID, itemID string) error
	Clear(ctx context.Context, basketID string) error
	// Discount returns the basket's applied discount, or nil when none.
	Discount(ctx context.Context, basketID string) (*AppliedDiscount, error)
	ApplyDiscount(ctx context.Context, d *AppliedDiscount) error
	RemoveDiscount(ctx context.Context, basketID string) error
	// Delete removes the basket and its contents.
	Delete(ctx context.Context, basketID string) error
}

// DedupeItems collapses items referencing the same product into one entry
// with summed quantity, preserving first-occurrence order.
func DedupeItems(items []Item) []Item {
	index := make(map[string]int, len(items))
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}

// Matches reports whether the basket contents exactly match an order: the
// multiset of (product, quantity) pairs implied by the items must equal the
// order's lines, and the applied discount (if any) must match the order's
// redeemed discount (if any). Used to decide whether the basket can be
// deleted after fulfillment without losing unreflected cart changes.
func Matches(items []Item, applied *AppliedDiscount, lines []LineSummary, orderDiscountID string) bool {
	deduped := DedupeItems(items)
	if len(deduped) != len(lines) {
		return false
	}

	byProduct := make(map[string]int, len(lines))
	for _, line := range lines {
		byProduct[line.ProductID] = line.Quantity
	}
	for _, item := range deduped {
		qty, ok := byProduct[item.ProductID]
		if !ok || qty != item.Quantity {
			return false
		}
	}

	basketDiscountID := ""
	if applied != nil {
		basketDiscountID = applied.DiscountID
	}
	return basketDiscountID == orderDiscountID
}
