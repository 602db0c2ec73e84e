package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/openlearn/commerce/internal/domain/discount"
)

const (
	discountColumns = `id, COALESCE(discount_code, ''), discount_type, amount, redemption_type,
		max_redemptions, payment_type, activation_date, expiration_date, is_bulk, created_at`

	getDiscountByIDSQL = `SELECT ` + discountColumns + ` FROM discounts WHERE id = $1`

	getDiscountByCodeSQL = `SELECT ` + discountColumns + ` FROM discounts
		WHERE UPPER(discount_code) = UPPER($1)`

	upsertDiscountSQL = `INSERT INTO discounts
		(id, discount_code, discount_type, amount, redemption_type, max_redemptions,
		 payment_type, activation_date, expiration_date, is_bulk)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET discount_code = EXCLUDED.discount_code,
		    discount_type = EXCLUDED.discount_type,
		    amount = EXCLUDED.amount,
		    redemption_type = EXCLUDED.redemption_type,
		    max_redemptions = EXCLUDED.max_redemptions,
		    payment_type = EXCLUDED.payment_type,
		    activation_date = EXCLUDED.activation_date,
		    expiration_date = EXCLUDED.expiration_date,
		    is_bulk = EXCLUDED.is_bulk`

	listDiscountProductsSQL = `SELECT product_id FROM discount_products WHERE discount_id = $1`

	clearDiscountProductsSQL = `DELETE FROM discount_products WHERE discount_id = $1`

	addDiscountProductSQL = `INSERT INTO discount_products (discount_id, product_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`

	firstUserDiscountSQL = `SELECT id, discount_id, user_id FROM user_discounts
		WHERE user_id = $1 ORDER BY created_at LIMIT 1`

	grantUserDiscountSQL = `INSERT INTO user_discounts (id, discount_id, user_id)
		VALUES ($1, $2, $3)`

	// Only redemptions attached to orders that actually went through count
	// against the limit.
	countRedemptionsSQL = `SELECT COUNT(*) FROM discount_redemptions r
		JOIN orders o ON o.id = r.order_id
		WHERE r.discount_id = $1
		  AND o.state IN ('fulfilled', 'refunded', 'partially_refunded')`

	countUserRedemptionsSQL = `SELECT COUNT(*) FROM discount_redemptions r
		JOIN orders o ON o.id = r.order_id
		WHERE r.discount_id = $1 AND r.redeemed_by = $2
		  AND o.state IN ('fulfilled', 'refunded', 'partially_refunded')`
)

var (
	_ discount.Repository        = (*DiscountRepository)(nil)
	_ discount.RedemptionCounter = (*DiscountRepository)(nil)
)

// DiscountRepository implements discount.Repository and the redemption
// counter backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// GetByID returns a discount with its product restrictions.
func (r *DiscountRepository) GetByID(ctx context.Context, id string) (*discount.Discount, error) {
	return r.get(ctx, getDiscountByIDSQL, id)
}

// GetByCode returns a discount by its code (case-insensitive).
func (r *DiscountRepository) GetByCode(ctx context.Context, code string) (*discount.Discount, error) {
	return r.get(ctx, getDiscountByCodeSQL, code)
}

func (r *DiscountRepository) get(ctx context.Context, sql, arg string) (*discount.Discount, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("getting discount %q: %w", arg, err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("getting discount %q: %w", arg, err)
	}

	productRows, err := r.pool.Query(ctx, listDiscountProductsSQL, d.ID)
	if err != nil {
		return nil, fmt.Errorf("listing discount products: %w", err)
	}
	d.ProductIDs, err = pgx.CollectRows(productRows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing discount products: %w", err)
	}
	return &d, nil
}

// Save validates and persists the discount together with its product
// restrictions.
func (r *DiscountRepository) Save(ctx context.Context, d *discount.Discount) error {
	if err := d.Validate(time.Now()); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	_, err := r.pool.Exec(ctx, upsertDiscountSQL,
		d.ID, d.Code, string(d.Type), d.Amount, string(d.RedemptionType),
		d.MaxRedemptions, d.PaymentType, d.ActivationDate, d.ExpirationDate, d.IsBulk,
	)
	if err != nil {
		return fmt.Errorf("saving discount: %w", err)
	}

	if _, err := r.pool.Exec(ctx, clearDiscountProductsSQL, d.ID); err != nil {
		return fmt.Errorf("clearing discount products: %w", err)
	}
	for _, productID := range d.ProductIDs {
		if _, err := r.pool.Exec(ctx, addDiscountProductSQL, d.ID, productID); err != nil {
			return fmt.Errorf("restricting discount to product %q: %w", productID, err)
		}
	}
	return nil
}

// FirstUserDiscount returns the user's oldest ad-hoc grant, or nil.
func (r *DiscountRepository) FirstUserDiscount(ctx context.Context, userID string) (*discount.UserDiscount, error) {
	var ud discount.UserDiscount
	err := r.pool.QueryRow(ctx, firstUserDiscountSQL, userID).Scan(&ud.ID, &ud.DiscountID, &ud.UserID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting user discount: %w", err)
	}
	return &ud, nil
}

// GrantToUser records an ad-hoc discount assignment.
func (r *DiscountRepository) GrantToUser(ctx context.Context, discountID, userID string) error {
	_, err := r.pool.Exec(ctx, grantUserDiscountSQL, uuid.NewString(), discountID, userID)
	if err != nil {
		return fmt.Errorf("granting discount to user: %w", err)
	}
	return nil
}

// CountRedemptions counts the discount's fulfilled redemptions.
func (r *DiscountRepository) CountRedemptions(ctx context.Context, discountID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countRedemptionsSQL, discountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting redemptions: %w", err)
	}
	return n, nil
}

// CountUserRedemptions counts the user's fulfilled redemptions of the discount.
func (r *DiscountRepository) CountUserRedemptions(ctx context.Context, discountID, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countUserRedemptionsSQL, discountID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting user redemptions: %w", err)
	}
	return n, nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d              discount.Discount
		dType, rType   string
		amount         decimal.Decimal
		maxRedemptions int32
	)
	err := row.Scan(
		&d.ID, &d.Code, &dType, &amount, &rType, &maxRedemptions,
		&d.PaymentType, &d.ActivationDate, &d.ExpirationDate, &d.IsBulk, &d.CreatedAt,
	)
	d.Type = discount.Type(dType)
	d.RedemptionType = discount.RedemptionType(rType)
	d.Amount = amount
	d.MaxRedemptions = int(maxRedemptions)
	return d, err
}
