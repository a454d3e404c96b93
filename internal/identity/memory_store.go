package identity

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for demo/development mode.
type MemoryStore struct {
	byID    map[string]*User
	byEmail map[string]*User
	mu      sync.RWMutex
}

// NewMemoryStore creates an in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]*User),
	}
}

// Add registers a user.
func (m *MemoryStore) Add(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.byID[u.ID] = u
	m.byEmail[strings.ToLower(u.Email)] = u
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u, ok := m.byEmail[strings.ToLower(email)]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u, ok := m.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrAccountNotFound
}
