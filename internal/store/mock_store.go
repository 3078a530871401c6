// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread // keyed by "frontend:externalID"

	// GetErr, if set, is returned by GetThread instead of a lookup result.
	GetErr error
	// CreateErr, if set, is returned by CreateThread without storing anything.
	CreateErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads: make(map[string]*Thread),
	}
}

func mockKey(frontend, externalID string) string {
	return frontend + ":" + externalID
}

// CreateThread stores a new thread unless the platform thread is already mapped.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateErr != nil {
		return m.CreateErr
	}

	key := mockKey(thread.Frontend, thread.ExternalID)
	if _, exists := m.threads[key]; exists {
		return ErrDuplicateThread
	}

	// Make a copy to avoid external modification
	t := *thread
	m.threads[key] = &t
	return nil
}

// GetThread retrieves a thread by platform id.
func (m *MockStore) GetThread(ctx context.Context, frontend, externalID string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetErr != nil {
		return nil, m.GetErr
	}

	t, ok := m.threads[mockKey(frontend, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListThreads returns threads newest first.
func (m *MockStore) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	threads := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		cp := *t
		threads = append(threads, &cp)
	}
	sort.Slice(threads, func(i, j int) bool {
		return threads[i].CreatedAt.After(threads[j].CreatedAt)
	})
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// CountThreads returns the number of stored threads.
func (m *MockStore) CountThreads(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.threads), nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
