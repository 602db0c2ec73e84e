// Package discount implements pricing rules and redemption-limit policies.
package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount calculation strategies.
type Type string

const (
	// TypePercentOff discounts the price by a percentage.
	TypePercentOff Type = "percent-off"
	// TypeDollarsOff subtracts a fixed amount, floored at zero.
	TypeDollarsOff Type = "dollars-off"
	// TypeFixedPrice replaces the price, unless it would raise it.
	TypeFixedPrice Type = "fixed-price"
)

// RedemptionType enumerates redemption-limit policies.
type RedemptionType string

const (
	RedemptionOneTime        RedemptionType = "one-time"
	RedemptionOneTimePerUser RedemptionType = "one-time-per-user"
	RedemptionSetLimit       RedemptionType = "set-limit"
	RedemptionUnlimited      RedemptionType = "unlimited"
)

// ErrNotFound is returned when a requested discount does not exist.
var ErrNotFound = errors.New("discount not found")

// ValidationError indicates a discount failed its save-time checks.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid discount: %s %s", e.Field, e.Detail)
}

// Discount is a reusable pricing rule. Discounts are never destroyed, since
// redemption history must stay resolvable; expiration substitutes for
// deletion.
type Discount struct {
	ID             string
	Code           string
	Type           Type
	Amount         decimal.Decimal
	RedemptionType RedemptionType
	// MaxRedemptions bounds set-limit discounts; ignored for other types.
	MaxRedemptions int
	PaymentType    string
	ActivationDate *time.Time
	ExpirationDate *time.Time
	IsBulk         bool
	// ProductIDs restricts which products the discount applies to.
	// Empty means the discount applies to any product.
	ProductIDs []string
	CreatedAt  time.Time
}

// Validate runs the save-time checks: an expiration date must not be in the
// past (clearing it is always allowed) and must not precede the activation
// date. Violations are ValidationErrors, never silently coerced.
func (d *Discount) Validate(now time.Time) error {
	if d.ExpirationDate == nil {
		return nil
	}
	if d.ExpirationDate.Before(now) {
		return &ValidationError{Field: "expiration_date", Detail: "is in the past"}
	}
	if d.ActivationDate != nil && d.ExpirationDate.Before(*d.ActivationDate) {
		return &ValidationError{Field: "expiration_date", Detail: "is before activation date"}
	}
	return nil
}

// AppliesTo reports whether the discount may be used for the given product.
func (d *Discount) AppliesTo(productID string) bool {
	if len(d.ProductIDs) == 0 {
		return true
	}
	for _, id := range d.ProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

// WithinWindow reports whether now falls inside the discount's
// activation/expiration window. A nil bound is open-ended.
func (d *Discount) WithinWindow(now time.Time) bool {
	if d.ActivationDate != nil && now.Before(*d.ActivationDate) {
		return false
	}
	if d.ExpirationDate != nil && now.After(*d.ExpirationDate) {
		return false
	}
	return true
}

// UserDiscount is a direct assignment of a discount to a user, independent
// of redemption-limit logic.
type UserDiscount struct {
	ID         string
	DiscountID string
	UserID     string
}

// Repository defines discount persistence.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Discount, error)
	GetByCode(ctx context.Context, code string) (*Discount, error)
	// Save persists a new or updated discount. Implementations must run
	// Validate before writing.
	Save(ctx context.Context, d *Discount) error
	// FirstUserDiscount returns the first ad-hoc grant for the user, or
	// nil when none exists.
	FirstUserDiscount(ctx context.Context, userID string) (*UserDiscount, error)
}

// RedemptionCounter counts fulfilled redemptions for validity checks.
// Counting never consumes a redemption slot.
type RedemptionCounter interface {
	CountRedemptions(ctx context.Context, discountID string) (int, error)
	CountUserRedemptions(ctx context.Context, discountID, userID string) (int, error)
}
