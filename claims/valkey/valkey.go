// Package valkey provides a Valkey/Redis-backed claim store for
// multi-instance deployments. The atomic claim is a server-side Lua script,
// so concurrent callers on different instances agree on ownership without any
// in-process locks.
package valkey

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/grana-app/banklink/claims"
)

const (
	// DefaultKeyPrefix is the default prefix for all claim keys.
	DefaultKeyPrefix = "banklink:"

	// defaultOpTimeout is the per-call client-side timeout. Claim-store round
	// trips sit on the user-facing callback path; a hung backend must surface
	// quickly so the fail-open layer can take over.
	defaultOpTimeout = 2 * time.Second

	// scanBatchSize is the number of keys fetched per SCAN iteration during Sweep.
	scanBatchSize = 100
)

// Config holds configuration for the Valkey claim store.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// KeyPrefix is the prefix for all keys (default "banklink:").
	KeyPrefix string

	// Claims holds the TTL configuration. Zero values use the claims defaults.
	Claims claims.Config

	// OpTimeout is the client-side timeout per store call (default 2s).
	OpTimeout time.Duration

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of claims.Store.
type Store struct {
	client    valkeygo.Client
	prefix    string
	cfg       claims.Config
	opTimeout time.Duration
	logger    *slog.Logger
}

var (
	_ claims.Store   = (*Store)(nil)
	_ claims.Sweeper = (*Store)(nil)
	_ claims.Pinger  = (*Store)(nil)
)

// New creates a Valkey-backed claim store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	s := &Store{
		client:    client,
		prefix:    prefix,
		cfg:       cfg.Claims.WithDefaults(),
		opTimeout: opTimeout,
		logger:    logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to verify valkey connection: %w", err)
	}

	return s, nil
}

// NewWithClient creates a store around an existing client. The caller owns
// the client's lifecycle.
func NewWithClient(client valkeygo.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	opTimeout := cfg.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:    client,
		prefix:    prefix,
		cfg:       cfg.Claims.WithDefaults(),
		opTimeout: opTimeout,
		logger:    logger,
	}
}

// Close releases the underlying client.
func (s *Store) Close() {
	s.client.Close()
}

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// IsClaimed reports whether the code is processing or processed.
// Advisory fast path only; ownership is decided by TryClaim.
func (s *Store) IsClaimed(ctx context.Context, code string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	hash := claims.HashCode(code)
	n, err := s.client.Do(ctx,
		s.client.B().Exists().Key(s.processedKey(hash), s.processingKey(hash)).Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return n > 0, nil
}

// luaTryClaim atomically claims a code for processing.
//
// The processed check and the conditional set on processing MUST happen in a
// single server-side step: two separate round trips allow two callers to both
// observe "not processed" and both claim.
//
// KEYS[1] = processed key
// KEYS[2] = processing key
// ARGV[1] = claim instant (Unix milliseconds, stored as the claim value)
// ARGV[2] = processing TTL in milliseconds
//
// Returns 1 when the caller won the claim, 0 otherwise.
const luaTryClaim = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
local ok = redis.call('SET', KEYS[2], ARGV[1], 'NX', 'PX', tonumber(ARGV[2]))
if ok then
    return 1
end
return 0
`

// TryClaim atomically checks processed and sets processing with NX+TTL.
func (s *Store) TryClaim(ctx context.Context, code string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	hash := claims.HashCode(code)
	won, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTryClaim).
			Numkeys(2).
			Key(s.processedKey(hash), s.processingKey(hash)).
			Arg(strconv.FormatInt(time.Now().UnixMilli(), 10)).
			Arg(strconv.FormatInt(s.cfg.ProcessingTTL.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute atomic claim: %w", err)
	}

	if won == 1 {
		s.logger.Debug("claimed authorization code for processing",
			"code_hash", safeTruncate(hash, hashLogLength))
		return true, nil
	}
	return false, nil
}

// luaComplete promotes a claim to processed and removes the processing key in
// one atomic step.
//
// KEYS[1] = processed key
// KEYS[2] = processing key
// ARGV[1] = completion instant (Unix milliseconds)
// ARGV[2] = processed TTL in milliseconds
const luaComplete = `
redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
redis.call('DEL', KEYS[2])
return 1
`

// Complete marks the code processed and drops the processing claim.
func (s *Store) Complete(ctx context.Context, code string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	hash := claims.HashCode(code)
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaComplete).
			Numkeys(2).
			Key(s.processedKey(hash), s.processingKey(hash)).
			Arg(strconv.FormatInt(time.Now().UnixMilli(), 10)).
			Arg(strconv.FormatInt(s.cfg.ProcessedTTL.Milliseconds(), 10)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to complete claim: %w", err)
	}

	s.logger.Debug("marked authorization code as processed",
		"code_hash", safeTruncate(hash, hashLogLength))
	return nil
}

// Release drops the processing claim only; processed stays in place.
func (s *Store) Release(ctx context.Context, code string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	hash := claims.HashCode(code)
	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.processingKey(hash)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}

	s.logger.Debug("released processing claim",
		"code_hash", safeTruncate(hash, hashLogLength))
	return nil
}

// Sweep removes processing claims older than ProcessingTTL. TTL expiry
// already bounds staleness, so this is a best-effort optimization for claims
// orphaned by a crashed claimer; its absence is not a correctness bug.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	removed := 0
	cutoff := time.Now().Add(-s.cfg.ProcessingTTL).UnixMilli()

	var cursor uint64
	for {
		scan, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).
				Match(s.prefix+"processing:*").
				Count(scanBatchSize).
				Build(),
		).AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("failed to scan processing claims: %w", err)
		}

		for _, key := range scan.Elements {
			val, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				continue // expired between SCAN and GET
			}
			claimedAt, err := strconv.ParseInt(val, 10, 64)
			if err != nil || claimedAt > cutoff {
				continue
			}
			if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err == nil {
				removed++
			}
		}

		cursor = scan.Cursor
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Info("swept orphaned processing claims", "removed", removed)
	}
	return removed, nil
}

const hashLogLength = 8

func (s *Store) processingKey(hash string) string {
	return s.prefix + "processing:" + hash
}

func (s *Store) processedKey(hash string) string {
	return s.prefix + "processed:" + hash
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// safeTruncate safely truncates a string to n characters.
func safeTruncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n]
}
