// Package mock provides a mock implementation of the claim store for testing.
package mock

import (
	"context"
	"sync"

	"github.com/grana-app/banklink/claims"
)

var _ claims.Store = (*Store)(nil)

// Store is a mock claims.Store. Each method delegates to the corresponding
// Func field, so tests can simulate races, outages and partial failures.
type Store struct {
	mu         sync.RWMutex
	processing map[string]bool
	processed  map[string]bool

	IsClaimedFunc func(ctx context.Context, code string) (bool, error)
	TryClaimFunc  func(ctx context.Context, code string) (bool, error)
	CompleteFunc  func(ctx context.Context, code string) error
	ReleaseFunc   func(ctx context.Context, code string) error

	CallCounts map[string]int
}

// NewStore creates a mock store with working in-memory defaults.
func NewStore() *Store {
	m := &Store{
		processing: make(map[string]bool),
		processed:  make(map[string]bool),
		CallCounts: make(map[string]int),
	}

	m.IsClaimedFunc = func(_ context.Context, code string) (bool, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		key := claims.HashCode(code)
		return m.processing[key] || m.processed[key], nil
	}

	m.TryClaimFunc = func(_ context.Context, code string) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		key := claims.HashCode(code)
		if m.processing[key] || m.processed[key] {
			return false, nil
		}
		m.processing[key] = true
		return true, nil
	}

	m.CompleteFunc = func(_ context.Context, code string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		key := claims.HashCode(code)
		m.processed[key] = true
		delete(m.processing, key)
		return nil
	}

	m.ReleaseFunc = func(_ context.Context, code string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.processing, claims.HashCode(code))
		return nil
	}

	return m
}

func (m *Store) IsClaimed(ctx context.Context, code string) (bool, error) {
	m.recordCall("IsClaimed")
	return m.IsClaimedFunc(ctx, code)
}

func (m *Store) TryClaim(ctx context.Context, code string) (bool, error) {
	m.recordCall("TryClaim")
	return m.TryClaimFunc(ctx, code)
}

func (m *Store) Complete(ctx context.Context, code string) error {
	m.recordCall("Complete")
	return m.CompleteFunc(ctx, code)
}

func (m *Store) Release(ctx context.Context, code string) error {
	m.recordCall("Release")
	return m.ReleaseFunc(ctx, code)
}

// CallCount returns how many times the named method was called.
func (m *Store) CallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

func (m *Store) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}
