package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlearn/commerce/internal/domain/basket"
)

const (
	establishBasketSQL = `INSERT INTO baskets (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`

	getBasketByUserSQL = `SELECT id, user_id, created_at FROM baskets WHERE user_id = $1`

	listBasketItemsSQL = `SELECT id, basket_id, product_id, quantity
		FROM basket_items WHERE basket_id = $1 ORDER BY created_at`

	addBasketItemSQL = `INSERT INTO basket_items (id, basket_id, product_id, quantity)
		VALUES ($1, $2, $3, $4)`

	removeBasketItemSQL = `DELETE FROM basket_items WHERE basket_id = $1 AND id = $2`

	clearBasketItemsSQL = `DELETE FROM basket_items WHERE basket_id = $1`

	getBasketDiscountSQL = `SELECT id, basket_id, discount_id, redeemed_by, redemption_date
		FROM basket_discounts WHERE basket_id = $1`

	applyBasketDiscountSQL = `INSERT INTO basket_discounts (id, basket_id, discount_id, redeemed_by, redemption_date)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (basket_id) DO UPDATE
		SET discount_id = EXCLUDED.discount_id,
		    redeemed_by = EXCLUDED.redeemed_by,
		    redemption_date = EXCLUDED.redemption_date`

	removeBasketDiscountSQL = `DELETE FROM basket_discounts WHERE basket_id = $1`

	deleteBasketSQL = `DELETE FROM baskets WHERE id = $1`
)

var _ basket.Repository = (*BasketRepository)(nil)

// BasketRepository implements basket.Repository backed by PostgreSQL.
type BasketRepository struct {
	pool *pgxpool.Pool
}

// NewBasketRepository returns a BasketRepository that uses the given pool.
func NewBasketRepository(pool *pgxpool.Pool) *BasketRepository {
	return &BasketRepository{pool: pool}
}

// Establish gets or lazily creates the user's basket.
func (r *BasketRepository) Establish(ctx context.Context, userID string) (*basket.Basket, error) {
	if _, err := r.pool.Exec(ctx, establishBasketSQL, uuid.NewString(), userID); err != nil {
		return nil, fmt.Errorf("establishing basket: %w", err)
	}
	return r.GetByUser(ctx, userID)
}

// GetByUser returns the user's basket or basket.ErrNotFound.
func (r *BasketRepository) GetByUser(ctx context.Context, userID string) (*basket.Basket, error) {
	var b basket.Basket
	err := r.pool.QueryRow(ctx, getBasketByUserSQL, userID).Scan(&b.ID, &b.UserID, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, basket.ErrNotFound
		}
		return nil, fmt.Errorf("getting basket for user %q: %w", userID, err)
	}
	return &b, nil
}

// Items returns the basket's items in insertion order.
func (r *BasketRepository) Items(ctx context.Context, basketID string) ([]basket.Item, error) {
	rows, err := r.pool.Query(ctx, listBasketItemsSQL, basketID)
	if err != nil {
		return nil, fmt.Errorf("listing basket items: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (basket.Item, error) {
		var item basket.Item
		err := row.Scan(&item.ID, &item.BasketID, &item.ProductID, &item.Quantity)
		return item, err
	})
}

// AddItem appends an item to the basket.
func (r *BasketRepository) AddItem(ctx context.Context, item *basket.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, addBasketItemSQL, item.ID, item.BasketID, item.ProductID, item.Quantity)
	if err != nil {
		return fmt.Errorf("adding basket item: %w", err)
	}
	return nil
}

// RemoveItem deletes one item from the basket.
func (r *BasketRepository) RemoveItem(ctx context.Context, basketID, itemID string) error {
	_, err := r.pool.Exec(ctx, removeBasketItemSQL, basketID, itemID)
	if err != nil {
		return fmt.Errorf("removing basket item: %w", err)
	}
	return nil
}

// Clear removes every item from the basket.
func (r *BasketRepository) Clear(ctx context.Context, basketID string) error {
	_, err := r.pool.Exec(ctx, clearBasketItemsSQL, basketID)
	if err != nil {
		return fmt.Errorf("clearing basket: %w", err)
	}
	return nil
}

// Discount returns the basket's applied discount, or nil when none.
func (r *BasketRepository) Discount(ctx context.Context, basketID string) (*basket.AppliedDiscount, error) {
	var d basket.AppliedDiscount
	err := r.pool.QueryRow(ctx, getBasketDiscountSQL, basketID).Scan(
		&d.ID, &d.BasketID, &d.DiscountID, &d.RedeemedBy, &d.RedeemedDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting basket discount: %w", err)
	}
	return &d, nil
}

// ApplyDiscount attaches the discount, replacing any previous one.
func (r *BasketRepository) ApplyDiscount(ctx context.Context, d *basket.AppliedDiscount) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, applyBasketDiscountSQL,
		d.ID, d.BasketID, d.DiscountID, d.RedeemedBy, d.RedeemedDate,
	)
	if err != nil {
		return fmt.Errorf("applying basket discount: %w", err)
	}
	return nil
}

// RemoveDiscount detaches the basket's discount, if any.
func (r *BasketRepository) RemoveDiscount(ctx context.Context, basketID string) error {
	_, err := r.pool.Exec(ctx, removeBasketDiscountSQL, basketID)
	if err != nil {
		return fmt.Errorf("removing basket discount: %w", err)
	}
	return nil
}

// Delete removes the basket; items and discount cascade.
func (r *BasketRepository) Delete(ctx context.Context, basketID string) error {
	_, err := r.pool.Exec(ctx, deleteBasketSQL, basketID)
	if err != nil {
		return fmt.Errorf("deleting basket: %w", err)
	}
	return nil
}
