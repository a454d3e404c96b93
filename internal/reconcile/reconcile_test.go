package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unijobs/platform/internal/account"
	"github.com/unijobs/platform/internal/gateway"
	"github.com/unijobs/platform/internal/identity"
)

// fakeFetcher serves payments from a map and canned errors by id.
type fakeFetcher struct {
	mu       sync.Mutex
	payments map[string]*gateway.Payment
	errs     map[string]error
	calls    int
}

func (f *fakeFetcher) FetchPayment(ctx context.Context, id string) (*gateway.Payment, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if p, ok := f.payments[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, gateway.ErrNotFound
}

func newFixture(t *testing.T) (*Reconciler, *fakeFetcher, *account.MemoryStore) {
	t.Helper()

	users := identity.NewMemoryStore()
	users.Add(&identity.User{ID: "u-1", Email: "alice@example.com"})
	users.Add(&identity.User{ID: "u-2", Email: "under_score@example.com"})

	fetcher := &fakeFetcher{
		payments: make(map[string]*gateway.Payment),
		errs:     make(map[string]error),
	}
	accounts := account.NewMemoryStore()
	return New(fetcher, identity.NewResolver(users), accounts), fetcher, accounts
}

func approvedCreditsPayment(id string) *gateway.Payment {
	return &gateway.Payment{
		ID:     id,
		Status: gateway.StatusApproved,
		Metadata: map[string]string{
			"account_ref":    "alice@example.com",
			"package_id":     "pack_10",
			"credits_amount": "10",
		},
	}
}

func TestProcessCreditsMetadataPayment(t *testing.T) {
	r, fetcher, accounts := newFixture(t)
	fetcher.payments["pay-1"] = approvedCreditsPayment("pay-1")

	out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-1"})

	require.Equal(t, StatusCredited, out.Status)
	assert.Equal(t, "pay-1", out.PaymentID)
	assert.Equal(t, "u-1", out.AccountID)
	assert.Equal(t, int64(10), out.CreditsAdded)
	assert.Equal(t, "credits", out.IntentKind)

	acct, err := accounts.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.CreditBalance)
	assert.Equal(t, []string{"pay-1"}, acct.AppliedPaymentIDs)
}

func TestProcessLegacyReviewPackagePayment(t *testing.T) {
	r, fetcher, accounts := newFixture(t)
	fetcher.payments["pay-2"] = &gateway.Payment{
		ID:                "pay-2",
		Status:            gateway.StatusApproved,
		ExternalReference: "under_score@example.com_3_1690000000000",
	}

	out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-2"})

	require.Equal(t, StatusCredited, out.Status)
	assert.Equal(t, "u-2", out.AccountID)
	assert.Equal(t, int64(3), out.CreditsAdded)
	assert.Equal(t, "review_package", out.IntentKind)

	acct, err := accounts.Get(context.Background(), "u-2")
	require.NoError(t, err)
	require.Len(t, acct.ReviewPackages, 1)
	assert.Equal(t, int64(3), acct.ReviewPackages[0].IncludedUnits)
	assert.Equal(t, int64(0), acct.CreditBalance)
}

func TestProcessDuplicateDelivery(t *testing.T) {
	r, fetcher, accounts := newFixture(t)
	fetcher.payments["pay-1"] = approvedCreditsPayment("pay-1")
	ev := Event{Kind: "payment", ResourceID: "pay-1"}

	first := r.Process(context.Background(), ev)
	second := r.Process(context.Background(), ev)

	require.Equal(t, StatusCredited, first.Status)
	require.Equal(t, StatusAlreadyProcessed, second.Status)
	assert.Equal(t, "u-1", second.AccountID)
	assert.Zero(t, second.CreditsAdded)

	acct, err := accounts.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.CreditBalance, "balance must move exactly once")
}

func TestProcessConcurrentDuplicateDelivery(t *testing.T) {
	r, fetcher, accounts := newFixture(t)
	fetcher.payments["pay-1"] = approvedCreditsPayment("pay-1")

	const workers = 24
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-1"})
		}(i)
	}
	wg.Wait()

	credited := 0
	for _, out := range outcomes {
		switch out.Status {
		case StatusCredited:
			credited++
		case StatusAlreadyProcessed:
		default:
			t.Fatalf("unexpected outcome %q (%s)", out.Status, out.Detail)
		}
	}
	assert.Equal(t, 1, credited, "exactly one delivery wins")

	acct, err := accounts.Get(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.CreditBalance)
}

func TestProcessIgnoresNonPaymentEvent(t *testing.T) {
	r, fetcher, _ := newFixture(t)

	out := r.Process(context.Background(), Event{Kind: "plan", ResourceID: "x"})

	assert.Equal(t, StatusIgnored, out.Status)
	assert.Equal(t, 0, fetcher.calls, "non-payment events never hit the gateway")
}

func TestProcessMissingResourceID(t *testing.T) {
	r, _, _ := newFixture(t)

	out := r.Process(context.Background(), Event{Kind: "payment"})

	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ErrorValidation, out.ErrorKind)
}

func TestProcessStatusGate(t *testing.T) {
	for _, status := range []string{
		gateway.StatusPending,
		gateway.StatusInProcess,
		gateway.StatusRejected,
		gateway.StatusRefunded,
		gateway.StatusCancelled,
		gateway.StatusChargedBack,
	} {
		t.Run(status, func(t *testing.T) {
			r, fetcher, accounts := newFixture(t)
			p := approvedCreditsPayment("pay-1")
			p.Status = status
			fetcher.payments["pay-1"] = p

			out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-1"})

			require.Equal(t, StatusIgnored, out.Status)
			assert.Contains(t, out.Reason, status)

			_, err := accounts.Get(context.Background(), "u-1")
			assert.ErrorIs(t, err, account.ErrAccountNotFound, "unapproved payments never touch the store")
		})
	}
}

func TestProcessGatewayFailures(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus Status
		wantKind   ErrorKind
	}{
		{"not found is ignored", gateway.ErrNotFound, StatusIgnored, ""},
		{"unauthorized", gateway.ErrUnauthorized, StatusFailed, ErrorUnauthorized},
		{"unreachable", gateway.ErrUnreachable, StatusFailed, ErrorUnreachable},
		{"server error", &gateway.ServerError{Status: 502, Body: "bad gateway"}, StatusFailed, ErrorServer},
		{"unknown error", fmt.Errorf("weird"), StatusFailed, ErrorServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, fetcher, _ := newFixture(t)
			fetcher.errs["pay-9"] = tt.err

			out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-9"})

			require.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantKind, out.ErrorKind)
			assert.Equal(t, "pay-9", out.PaymentID)
		})
	}
}

func TestProcessUndecodableIntent(t *testing.T) {
	r, fetcher, _ := newFixture(t)
	fetcher.payments["pay-3"] = &gateway.Payment{
		ID:                "pay-3",
		Status:            gateway.StatusApproved,
		ExternalReference: "garbage",
	}

	out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-3"})

	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ErrorDecode, out.ErrorKind)
}

func TestProcessUnknownAccount(t *testing.T) {
	r, fetcher, _ := newFixture(t)
	p := approvedCreditsPayment("pay-4")
	p.Metadata["account_ref"] = "nobody@example.com"
	fetcher.payments["pay-4"] = p

	out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-4"})

	require.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, ErrorResolve, out.ErrorKind)
	assert.Equal(t, "pay-4", out.PaymentID)
}

func TestProcessResolvesAccountRefByID(t *testing.T) {
	r, fetcher, accounts := newFixture(t)
	fetcher.payments["pay-5"] = &gateway.Payment{
		ID:                "pay-5",
		Status:            gateway.StatusApproved,
		ExternalReference: "u-1_2_1690000000000",
	}

	out := r.Process(context.Background(), Event{Kind: "payment", ResourceID: "pay-5"})

	require.Equal(t, StatusCredited, out.Status)
	assert.Equal(t, "u-1", out.AccountID)

	acct, err := accounts.Get(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, acct.ReviewPackages, 1)
}
