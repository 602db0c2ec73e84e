package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	getUserEmailSQL = `SELECT email FROM users WHERE id = $1`

	getUserIDByUsernameSQL = `SELECT id FROM users WHERE username = $1`

	ensureUserSQL = `INSERT INTO users (id, username, email, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (username) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name
		RETURNING id`
)

// ErrUserNotFound is returned for lookups of unknown users.
var ErrUserNotFound = errors.New("user not found")

// UserRepository provides the minimal user lookups commerce needs: learner
// identity lives in the upstream auth system, this is a local mirror.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetEmail returns the user's contact address.
func (r *UserRepository) GetEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx, getUserEmailSQL, userID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("getting user email: %w", err)
	}
	return email, nil
}

// GetIDByUsername resolves a username to the local user id.
func (r *UserRepository) GetIDByUsername(ctx context.Context, username string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, getUserIDByUsernameSQL, username).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("getting user by username %q: %w", username, err)
	}
	return id, nil
}

// Ensure mirrors an upstream user locally and returns its id.
func (r *UserRepository) Ensure(ctx context.Context, username, email, name string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, ensureUserSQL, uuid.NewString(), username, email, name).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensuring user %q: %w", username, err)
	}
	return id, nil
}
