package claims

import (
	"context"
	"log/slog"
)

// FailOpenStore wraps a Store and converts infrastructure failures into the
// availability-preserving answer: a claim-store outage must never permanently
// lock users out of connecting a bank. The cost is a narrow, time-boxed
// window in which a code could be exchanged twice while the store is down.
//
// Every fail-open decision is logged at Warn with a distinct message so an
// outage is visible and cannot be mistaken for a normal claim grant.
type FailOpenStore struct {
	inner  Store
	logger *slog.Logger
	hook   FailOpenHook
}

var _ Store = (*FailOpenStore)(nil)

// FailOpenHook observes each fail-open decision, keyed by the store
// operation that failed. Callers wire it to their metrics; it must not
// block.
type FailOpenHook func(ctx context.Context, operation string)

// FailOpen wraps store with the degraded-mode policy. The hook may be nil.
func FailOpen(store Store, logger *slog.Logger, hook FailOpenHook) *FailOpenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpenStore{inner: store, logger: logger, hook: hook}
}

// IsClaimed reports false when the backend is unreachable so the advisory
// fast path never blocks the flow.
func (s *FailOpenStore) IsClaimed(ctx context.Context, code string) (bool, error) {
	claimed, err := s.inner.IsClaimed(ctx, code)
	if err != nil {
		s.failOpen(ctx, "IsClaimed", err)
		return false, nil
	}
	return claimed, nil
}

// TryClaim grants the claim when the backend is unreachable. Availability is
// prioritized over replay protection during an infrastructure outage.
func (s *FailOpenStore) TryClaim(ctx context.Context, code string) (bool, error) {
	ok, err := s.inner.TryClaim(ctx, code)
	if err != nil {
		s.failOpen(ctx, "TryClaim", err)
		return true, nil
	}
	return ok, nil
}

// Complete swallows backend errors; the processing claim's TTL bounds the
// inconsistency.
func (s *FailOpenStore) Complete(ctx context.Context, code string) error {
	if err := s.inner.Complete(ctx, code); err != nil {
		s.failOpen(ctx, "Complete", err)
	}
	return nil
}

// Release swallows backend errors; the processing claim's TTL bounds the
// inconsistency.
func (s *FailOpenStore) Release(ctx context.Context, code string) error {
	if err := s.inner.Release(ctx, code); err != nil {
		s.failOpen(ctx, "Release", err)
	}
	return nil
}

func (s *FailOpenStore) failOpen(ctx context.Context, op string, err error) {
	s.logger.Warn("claim store unreachable, failing open",
		"operation", op,
		"error", err)
	if s.hook != nil {
		s.hook(ctx, op)
	}
}
