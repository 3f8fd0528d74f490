// Package claims implements the idempotency guarantee for authorization-code
// exchange: a single-use code issued by the bank-data provider must be
// exchanged for a token at most once, even when callbacks for the same code
// arrive concurrently on multiple server instances.
//
// Two keyed facts exist per code:
//
//   - processing:<code> (transient, short TTL) is held by the caller that
//     won the claim while it performs the exchange.
//   - processed:<code> (terminal, long TTL) blocks replay of a code whose
//     exchange already succeeded.
//
// All cross-instance exclusion is delegated to the backing store; the atomic
// TryClaim is the only correctness-bearing synchronization point.
package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// DefaultProcessingTTL bounds how long a claim can be held without
	// completion. It covers worst-case exchange latency; if the claimer
	// crashes, expiry frees the code for a future attempt.
	DefaultProcessingTTL = 10 * time.Minute

	// DefaultProcessedTTL bounds the replay window for a successfully
	// exchanged code. It is 4x the provider's documented 30-minute code
	// lifetime: once it elapses, the upstream code has itself long expired.
	// This is a heuristic margin to monitor, not a proof.
	DefaultProcessedTTL = 2 * time.Hour
)

// Store is the claim/lock mechanism over a shared key-value store.
//
// TryClaim is the sole source of correctness; IsClaimed is an advisory fast
// path whose answer may be stale by the time the caller acts on it.
type Store interface {
	// IsClaimed reports whether the code is currently processing or already
	// processed. Advisory only: use it to short-circuit duplicate browser
	// tabs, never to decide ownership.
	IsClaimed(ctx context.Context, code string) (bool, error)

	// TryClaim atomically checks that the code has not been processed and
	// marks it as processing with ProcessingTTL. It returns true iff the
	// caller is now the exclusive owner. The check and the set MUST be a
	// single indivisible step; an exists-then-set pair is a TOCTOU race.
	TryClaim(ctx context.Context, code string) (bool, error)

	// Complete marks the code processed (ProcessedTTL) and drops the
	// processing claim, atomically.
	Complete(ctx context.Context, code string) error

	// Release drops the processing claim only, so a genuinely failed attempt
	// can be retried. A code that completed stays blocked by processed.
	Release(ctx context.Context, code string) error
}

// Sweeper is implemented by stores that support proactively removing
// processing claims orphaned by a crashed claimer. TTL expiry already bounds
// staleness, so the sweep is a best-effort optimization.
type Sweeper interface {
	Sweep(ctx context.Context) (removed int, err error)
}

// Pinger is implemented by stores that can verify backend connectivity,
// for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the claim TTLs. Zero values use the defaults.
type Config struct {
	ProcessingTTL time.Duration
	ProcessedTTL  time.Duration
}

// WithDefaults returns a copy of the config with zero fields replaced by the
// package defaults.
func (c Config) WithDefaults() Config {
	if c.ProcessingTTL <= 0 {
		c.ProcessingTTL = DefaultProcessingTTL
	}
	if c.ProcessedTTL <= 0 {
		c.ProcessedTTL = DefaultProcessedTTL
	}
	return c
}

// HashCode derives the storage key fragment for an authorization code.
// Raw codes are single-use credentials; hashing keeps them out of the store
// and out of any logs or SCAN output.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
