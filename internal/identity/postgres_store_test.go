//go:build integration

package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/unijobs/platform/internal/testutil"
)

func TestPostgres_ResolveByEmailAndID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, &User{ID: "u-pg-1", Email: "Alice@Example.com", Name: "Alice"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	resolver := NewResolver(store)

	u, err := resolver.Resolve(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Resolve by email failed: %v", err)
	}
	if u.ID != "u-pg-1" {
		t.Fatalf("resolved wrong user: %+v", u)
	}

	u, err = resolver.Resolve(ctx, "u-pg-1")
	if err != nil {
		t.Fatalf("Resolve by id failed: %v", err)
	}
	if u.Email != "Alice@Example.com" {
		t.Fatalf("resolved wrong user: %+v", u)
	}

	if _, err := resolver.Resolve(ctx, "nobody@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
