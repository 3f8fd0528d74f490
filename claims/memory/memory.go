// Package memory provides an in-memory claim store.
// It is suitable for development, testing, and single-instance deployments;
// multi-instance deployments need a shared backend such as claims/valkey.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/grana-app/banklink/claims"
)

// Store is an in-memory implementation of claims.Store.
// Exclusion is provided by a process-local mutex, which makes TryClaim
// trivially atomic within one process.
type Store struct {
	mu         sync.Mutex
	processing map[string]time.Time // code hash -> claim instant
	processed  map[string]time.Time // code hash -> completion instant

	cfg             claims.Config
	logger          *slog.Logger
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	// now allows tests to control the clock
	now func() time.Time
}

var (
	_ claims.Store   = (*Store)(nil)
	_ claims.Sweeper = (*Store)(nil)
)

// New creates an in-memory claim store with default TTLs and a one-minute
// cleanup interval.
func New() *Store {
	return NewWithConfig(claims.Config{}, nil)
}

// NewWithConfig creates an in-memory claim store with custom TTLs.
func NewWithConfig(cfg claims.Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		processing:      make(map[string]time.Time),
		processed:       make(map[string]time.Time),
		cfg:             cfg.WithDefaults(),
		logger:          logger,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}
	go s.cleanupLoop()
	return s
}

// IsClaimed reports whether the code is processing or processed.
func (s *Store) IsClaimed(_ context.Context, code string) (bool, error) {
	key := claims.HashCode(code)
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.processed[key]; ok && now.Sub(at) < s.cfg.ProcessedTTL {
		return true, nil
	}
	if at, ok := s.processing[key]; ok && now.Sub(at) < s.cfg.ProcessingTTL {
		return true, nil
	}
	return false, nil
}

// TryClaim atomically claims the code for processing.
func (s *Store) TryClaim(_ context.Context, code string) (bool, error) {
	key := claims.HashCode(code)
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.processed[key]; ok {
		if now.Sub(at) < s.cfg.ProcessedTTL {
			return false, nil
		}
		delete(s.processed, key)
	}
	if at, ok := s.processing[key]; ok {
		if now.Sub(at) < s.cfg.ProcessingTTL {
			return false, nil
		}
		// Expired claim from a crashed claimer; take it over.
		delete(s.processing, key)
	}

	s.processing[key] = now
	return true, nil
}

// Complete promotes the code to processed and drops the processing claim.
func (s *Store) Complete(_ context.Context, code string) error {
	key := claims.HashCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.processed[key] = s.clock()
	delete(s.processing, key)
	return nil
}

// Release drops the processing claim only.
func (s *Store) Release(_ context.Context, code string) error {
	key := claims.HashCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processing, key)
	return nil
}

// Sweep removes expired entries. The janitor calls this periodically; it is
// also safe to call directly.
func (s *Store) Sweep(_ context.Context) (int, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, at := range s.processing {
		if now.Sub(at) >= s.cfg.ProcessingTTL {
			delete(s.processing, key)
			removed++
		}
	}
	for key, at := range s.processed {
		if now.Sub(at) >= s.cfg.ProcessedTTL {
			delete(s.processed, key)
			removed++
		}
	}
	return removed, nil
}

// Ping always succeeds; the store is in-process.
func (s *Store) Ping(_ context.Context) error { return nil }

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed, _ := s.Sweep(context.Background()); removed > 0 {
				s.logger.Debug("claim sweep removed expired entries", "removed", removed)
			}
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) clock() time.Time {
	return s.now()
}
