// Package identity resolves opaque account references to platform users.
//
// A payment's account reference is whatever the checkout flow put there:
// an email address for most purchases, an internal user id for older ones.
// Crediting an unknown account is never acceptable, so resolution failure
// is a hard error for the reconciler.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrAccountNotFound: no user matches the reference.
var ErrAccountNotFound = errors.New("identity: account not found")

// User is the canonical account handle for a platform user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store looks up users in durable storage.
type Store interface {
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
}

// Resolver maps account references to users.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps an account reference to a user. References containing "@"
// are treated as email addresses; anything else is an internal user id.
func (r *Resolver) Resolve(ctx context.Context, accountRef string) (*User, error) {
	ref := strings.TrimSpace(accountRef)
	if ref == "" {
		return nil, ErrAccountNotFound
	}

	if strings.Contains(ref, "@") {
		return r.store.GetByEmail(ctx, strings.ToLower(ref))
	}
	return r.store.GetByID(ctx, ref)
}
