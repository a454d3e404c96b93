package account

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijobs/platform/internal/pagination"
)

func TestDeltaValidate(t *testing.T) {
	tests := []struct {
		name  string
		delta Delta
		ok    bool
	}{
		{"credits", Delta{Credits: 10}, true},
		{"review units", Delta{ReviewUnits: 5}, true},
		{"empty", Delta{}, false},
		{"both set", Delta{Credits: 10, ReviewUnits: 5}, false},
		{"negative credits", Delta{Credits: -1}, false},
		{"negative units", Delta{ReviewUnits: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.delta.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDelta)
			}
		})
	}
}

func TestApplyCredit_FirstApplication(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.ApplyCredit(ctx, "u_1", "P1", Delta{Credits: 10, PackageID: "pkg_10"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(10), res.AmountApplied)

	acc, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.CreditBalance)
	assert.Equal(t, []string{"P1"}, acc.AppliedPaymentIDs)
}

func TestApplyCredit_DuplicateIsNoOp(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.ApplyCredit(ctx, "u_1", "P1", Delta{Credits: 10})
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = store.ApplyCredit(ctx, "u_1", "P1", Delta{Credits: 10})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	acc, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.CreditBalance, "balance must change exactly once")
	assert.Len(t, acc.AppliedPaymentIDs, 1)
}

func TestApplyCredit_ConcurrentDuplicateDelivery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const attempts = 32
	var wg sync.WaitGroup
	applied := make(chan bool, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.ApplyCredit(ctx, "u_1", "P1", Delta{Credits: 10})
			if err != nil {
				t.Error(err)
				return
			}
			applied <- res.Applied
		}()
	}
	wg.Wait()
	close(applied)

	wins := 0
	for a := range applied {
		if a {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one concurrent delivery must win")

	acc, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.CreditBalance)
}

func TestApplyCredit_SamePaymentDifferentAccounts(t *testing.T) {
	// The guard is per (account, payment) pair. Distinct accounts never
	// share a payment in practice, but the store should not conflate them.
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.ApplyCredit(ctx, "u_1", "P1", Delta{Credits: 5})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = store.ApplyCredit(ctx, "u_2", "P1", Delta{Credits: 5})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestApplyCredit_ReviewPackage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.ApplyCredit(ctx, "user42", "P2", Delta{ReviewUnits: 5})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(5), res.AmountApplied)

	acc, err := store.Get(ctx, "user42")
	require.NoError(t, err)
	assert.Zero(t, acc.CreditBalance)
	require.Len(t, acc.ReviewPackages, 1)

	pkg := acc.ReviewPackages[0]
	assert.Equal(t, int64(5), pkg.IncludedUnits)
	assert.Equal(t, int64(5), pkg.RemainingUnits())
	assert.Equal(t, "P2", pkg.SourcePaymentID)
}

func TestApplyCredit_RejectsInvalidDelta(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.ApplyCredit(ctx, "u_1", "P1", Delta{})
	assert.ErrorIs(t, err, ErrInvalidDelta)

	// The rejected apply must not consume the payment id.
	res, err := store.ApplyCredit(ctx, "u_1", "P1", Delta{Credits: 1})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestGet_UnknownAccount(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, p := range []string{"P1", "P2", "P3"} {
		_, err := store.ApplyCredit(ctx, "u_1", p, Delta{Credits: 1})
		require.NoError(t, err)
	}
	_, err := store.ApplyCredit(ctx, "u_2", "P9", Delta{ReviewUnits: 2})
	require.NoError(t, err)

	// One extra entry past the limit signals another page.
	entries, err := store.History(ctx, "u_1", HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, "P3", entries[0].PaymentID)
	assert.Equal(t, "P2", entries[1].PaymentID)
	assert.Equal(t, "credits", entries[0].Kind)
}

func TestHistoryCursorPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, p := range []string{"P1", "P2", "P3", "P4"} {
		_, err := store.ApplyCredit(ctx, "u_1", p, Delta{Credits: 1})
		require.NoError(t, err)
	}

	first, err := store.History(ctx, "u_1", HistoryQuery{Limit: 2})
	require.NoError(t, err)
	page, next, hasMore := pagination.ComputePage(first, 2, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	require.Len(t, page, 2)
	require.True(t, hasMore)
	assert.Equal(t, "P4", page[0].PaymentID)
	assert.Equal(t, "P3", page[1].PaymentID)

	cursor, err := pagination.Decode(next)
	require.NoError(t, err)

	second, err := store.History(ctx, "u_1", HistoryQuery{Limit: 2, Before: cursor})
	require.NoError(t, err)
	page, _, hasMore = pagination.ComputePage(second, 2, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	require.Len(t, page, 2)
	assert.False(t, hasMore)
	assert.Equal(t, "P2", page[0].PaymentID)
	assert.Equal(t, "P1", page[1].PaymentID)
}
