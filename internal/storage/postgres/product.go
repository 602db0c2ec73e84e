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

	"github.com/openlearn/commerce/internal/domain/catalog"
)

const (
	productColumns = `p.id, p.purchasable_kind, p.purchasable_id,
		COALESCE(cr.courseware_id, pr.readable_id, '') AS readable_id,
		COALESCE(cr.title, pr.title, '') AS title,
		p.price, p.description, p.is_active, p.created_at`

	productJoins = `FROM products p
		LEFT JOIN course_runs cr ON p.purchasable_kind = 'course_run' AND cr.id = p.purchasable_id
		LEFT JOIN program_runs pr ON p.purchasable_kind = 'program_run' AND pr.id = p.purchasable_id`
)

var (
	listProductsSQL = `SELECT ` + productColumns + ` ` + productJoins +
		` WHERE p.is_active ORDER BY p.created_at`

	listAllProductsSQL = `SELECT ` + productColumns + ` ` + productJoins +
		` ORDER BY p.created_at`

	getProductByIDSQL = `SELECT ` + productColumns + ` ` + productJoins +
		` WHERE p.id = $1 AND p.is_active`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` ` + productJoins +
		` WHERE p.id = ANY($1) AND p.is_active`
)

const (
	createProductSQL = `INSERT INTO products (id, purchasable_kind, purchasable_id, price, description, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)`

	deactivateProductSQL = `UPDATE products SET is_active = FALSE WHERE id = $1`

	latestVersionSQL = `SELECT id, product_id, purchasable_kind, purchasable_id, readable_id, title,
		price, description, created_at
		FROM product_versions WHERE product_id = $1
		ORDER BY created_at DESC LIMIT 1`

	createVersionSQL = `INSERT INTO product_versions
		(id, product_id, purchasable_kind, purchasable_id, readable_id, title, price, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

var _ catalog.Repository = (*ProductRepository)(nil)

// ProductRepository implements catalog.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns all active products.
func (r *ProductRepository) List(ctx context.Context) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ListAll returns every product, deactivated ones included.
func (r *ProductRepository) ListAll(ctx context.Context) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, listAllProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing all products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single active product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns active products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Create persists a new product. The partial unique index on active
// products surfaces as ErrActiveProductExists.
func (r *ProductRepository) Create(ctx context.Context, p *catalog.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, createProductSQL,
		p.ID, string(p.Purchasable.Kind), p.Purchasable.ID, p.Price, p.Description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return catalog.ErrActiveProductExists
		}
		return fmt.Errorf("creating product: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a product.
func (r *ProductRepository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deactivateProductSQL, id)
	if err != nil {
		return fmt.Errorf("deactivating product %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// CurrentVersion returns the snapshot matching the product's current terms,
// creating a new snapshot when the latest one is stale or missing.
func (r *ProductRepository) CurrentVersion(ctx context.Context, productID string) (*catalog.Version, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("loading product %q: %w", productID, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("loading product %q: %w", productID, err)
	}

	rows, err = r.pool.Query(ctx, latestVersionSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("loading latest version: %w", err)
	}
	latest, err := pgx.CollectExactlyOneRow(rows, scanVersion)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// No snapshot yet.
	case err != nil:
		return nil, fmt.Errorf("loading latest version: %w", err)
	case versionMatches(&latest, &p):
		return &latest, nil
	}

	v := catalog.Version{
		ID:          uuid.NewString(),
		ProductID:   p.ID,
		Purchasable: p.Purchasable,
		Price:       p.Price,
		Description: p.Description,
		CreatedAt:   time.Now(),
	}
	_, err = r.pool.Exec(ctx, createVersionSQL,
		v.ID, v.ProductID, string(v.Purchasable.Kind), v.Purchasable.ID,
		v.Purchasable.ReadableID, v.Purchasable.Title, v.Price, v.Description,
	)
	if err != nil {
		return nil, fmt.Errorf("creating product version: %w", err)
	}
	return &v, nil
}

func versionMatches(v *catalog.Version, p *catalog.Product) bool {
	return v.Price.Equal(p.Price) &&
		v.Description == p.Description &&
		v.Purchasable == p.Purchasable
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var (
		p     catalog.Product
		kind  string
		price decimal.Decimal
	)
	err := row.Scan(
		&p.ID, &kind, &p.Purchasable.ID, &p.Purchasable.ReadableID, &p.Purchasable.Title,
		&price, &p.Description, &p.IsActive, &p.CreatedAt,
	)
	p.Purchasable.Kind = catalog.PurchasableKind(kind)
	p.Price = price
	return p, err
}

func scanVersion(row pgx.CollectableRow) (catalog.Version, error) {
	var (
		v     catalog.Version
		kind  string
		price decimal.Decimal
	)
	err := row.Scan(
		&v.ID, &v.ProductID, &kind, &v.Purchasable.ID, &v.Purchasable.ReadableID,
		&v.Purchasable.Title, &price, &v.Description, &v.CreatedAt,
	)
	v.Purchasable.Kind = catalog.PurchasableKind(kind)
	v.Price = price
	return v, err
}
