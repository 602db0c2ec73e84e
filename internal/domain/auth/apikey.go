// Package auth holds API key identity data for the admin surface.
package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnauthorized is returned for missing, unknown or mismatched API keys.
var ErrUnauthorized = errors.New("unauthorized")

// Scopes the admin surface checks.
const (
	ScopeRefunds   = "refunds"
	ScopeDiscounts = "discounts"
	ScopeCatalog   = "catalog"
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// HasScope reports whether the key carries the scope.
func (i *APIKeyInfo) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
