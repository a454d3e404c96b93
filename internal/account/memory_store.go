package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unijobs/platform/internal/pagination"
)

// MemoryStore is an in-memory account store for demo/development mode.
// A single mutex makes the read-check-write in ApplyCredit atomic, which is
// the same guarantee the postgres store gets from its transaction plus the
// applied_payments primary key.
type MemoryStore struct {
	accounts map[string]*Account
	applied  map[string]map[string]bool // accountID -> paymentID set
	entries  []*Entry
	mu       sync.Mutex
}

// NewMemoryStore creates an in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		applied:  make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) ApplyCredit(ctx context.Context, accountID, paymentID string, delta Delta) (*ApplyResult, error) {
	if err := delta.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := m.applied[accountID]
	if seen == nil {
		seen = make(map[string]bool)
		m.applied[accountID] = seen
	}
	if seen[paymentID] {
		return &ApplyResult{Applied: false}, nil
	}

	acc := m.accounts[accountID]
	if acc == nil {
		acc = &Account{ID: accountID}
		m.accounts[accountID] = acc
	}

	seen[paymentID] = true
	kind := "credits"
	if delta.Credits > 0 {
		acc.CreditBalance += delta.Credits
	} else {
		kind = "review_package"
		acc.ReviewPackages = append(acc.ReviewPackages, ReviewPackage{
			ID:              uuid.NewString(),
			IncludedUnits:   delta.ReviewUnits,
			SourcePaymentID: paymentID,
			CreatedAt:       time.Now(),
		})
	}
	acc.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		PaymentID: paymentID,
		Kind:      kind,
		Amount:    delta.Amount(),
		CreatedAt: time.Now(),
	})

	return &ApplyResult{Applied: true, AmountApplied: delta.Amount()}, nil
}

func (m *MemoryStore) Get(ctx context.Context, accountID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	cp := *acc
	cp.ReviewPackages = append([]ReviewPackage(nil), acc.ReviewPackages...)
	for id := range m.applied[accountID] {
		cp.AppliedPaymentIDs = append(cp.AppliedPaymentIDs, id)
	}
	sort.Strings(cp.AppliedPaymentIDs)
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, q HistoryQuery) ([]*Entry, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) <= q.Limit; i-- {
		e := m.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if q.Before != nil && !beforeCursor(e, q.Before) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// beforeCursor reports whether the entry sorts strictly older than the
// cursor position under (created_at, id) descending order.
func beforeCursor(e *Entry, c *pagination.Cursor) bool {
	if e.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return e.CreatedAt.Equal(c.CreatedAt) && e.ID < c.ID
}
