// Package catalog holds the purchasable product catalog: products, their
// immutable version snapshots, and the closed set of purchasable objects.
package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// PurchasableKind enumerates the closed set of objects a Product can sell.
type PurchasableKind string

const (
	KindCourseRun  PurchasableKind = "course_run"
	KindProgramRun PurchasableKind = "program_run"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrActiveProductExists is returned when creating a product for a
	// purchasable object that already has an active product.
	ErrActiveProductExists = errors.New("an active product already exists for this purchasable object")
)

// Purchasable identifies the object a product sells: a course run or a
// program run, with its courseware identity.
type Purchasable struct {
	Kind       PurchasableKind
	ID         string
	ReadableID string
	Title      string
}

// Product is a purchasable catalog entry. Products are never hard-deleted;
// deactivation preserves referential integrity for historical orders.
type Product struct {
	ID          string
	Purchasable Purchasable
	Price       decimal.Decimal
	Description string
	IsActive    bool
	CreatedAt   time.Time
}

// Version is an immutable snapshot of a product's terms. Order lines pin a
// Version, so later price changes never alter historical orders.
type Version struct {
	ID          string
	ProductID   string
	Purchasable Purchasable
	Price       decimal.Decimal
	Description string
	CreatedAt   time.Time
}

// Repository defines catalog persistence. The default read scope covers
// active products only; ListAll includes deactivated ones.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	ListAll(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	// Create persists a new product. Returns ErrActiveProductExists when an
	// active product for the same purchasable object already exists.
	Create(ctx context.Context, p *Product) error
	// Deactivate soft-deletes a product. It never removes the row.
	Deactivate(ctx context.Context, id string) error
	// CurrentVersion returns the snapshot matching the product's current
	// terms, creating one if the latest snapshot is stale or absent.
	CurrentVersion(ctx context.Context, productID string) (*Version, error)
}

// CourseRun is a scheduled run of a course on the learning platform.
type CourseRun struct {
	ID           string
	CoursewareID string
	Title        string
	ProgramID    string
}

// CourseRunRepository resolves course runs referenced by purchases.
type CourseRunRepository interface {
	GetByID(ctx context.Context, id string) (*CourseRun, error)
	GetByCoursewareID(ctx context.Context, coursewareID string) (*CourseRun, error)
}
