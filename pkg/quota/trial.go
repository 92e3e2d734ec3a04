// ABOUTME: Lifetime trial allowance for ephemeral (anonymous) identities
// ABOUTME: Independent of the rate limiter and never reset

package quota

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Defaults for the trial counter
const (
	DefaultTrialLimit      = 5
	DefaultEphemeralPrefix = "user_"
)

// TrialStore holds cumulative per-identity usage counts
type TrialStore interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string) (int64, error)
	// ChargeIfBelow increments the count only if it is below limit and
	// reports the resulting count and whether it was incremented
	ChargeIfBelow(ctx context.Context, key string, limit int64) (int64, bool, error)
}

// UsageSnapshot reports an identity's trial consumption
type UsageSnapshot struct {
	UserID    string
	Count     int64
	Limit     int64
	Remaining int64
}

// TrialCounterConfig configures a TrialCounter
type TrialCounterConfig struct {
	Limit           int64
	EphemeralPrefix string
	Store           TrialStore
	Logger          zerolog.Logger
}

// TrialCounter caps lifetime usage for ephemeral identities
type TrialCounter struct {
	limit  int64
	prefix string
	store  TrialStore
	log    zerolog.Logger
}

// NewTrialCounter builds a trial counter, filling defaults for zero fields
func NewTrialCounter(cfg TrialCounterConfig) *TrialCounter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultTrialLimit
	}
	if cfg.EphemeralPrefix == "" {
		cfg.EphemeralPrefix = DefaultEphemeralPrefix
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryTrialStore()
	}
	return &TrialCounter{
		limit:  cfg.Limit,
		prefix: cfg.EphemeralPrefix,
		store:  cfg.Store,
		log:    cfg.Logger,
	}
}

// Limit returns the lifetime cap
func (t *TrialCounter) Limit() int64 { return t.limit }

// IsEphemeral reports whether identity belongs to the trial class
func (t *TrialCounter) IsEphemeral(identity string) bool {
	return strings.HasPrefix(identity, t.prefix)
}

// CheckTrialLimit reports whether identity has already used its allowance.
// Store failures read as "not exceeded".
func (t *TrialCounter) CheckTrialLimit(ctx context.Context, identity string) bool {
	n, err := t.store.Count(ctx, identity)
	if err != nil {
		t.log.Error().Err(err).Str("identity", identity).Msg("trial count lookup failed")
		return false
	}
	return n >= t.limit
}

// IncrementUsage records one unit of usage and returns the new count
func (t *TrialCounter) IncrementUsage(ctx context.Context, identity string) int64 {
	n, err := t.store.Increment(ctx, identity)
	if err != nil {
		t.log.Error().Err(err).Str("identity", identity).Msg("trial increment failed")
		return 0
	}
	return n
}

// Usage returns the current snapshot for identity
func (t *TrialCounter) Usage(ctx context.Context, identity string) UsageSnapshot {
	n, err := t.store.Count(ctx, identity)
	if err != nil {
		t.log.Error().Err(err).Str("identity", identity).Msg("trial count lookup failed")
	}
	return t.snapshot(identity, n)
}

// Charge atomically checks the allowance and, when it is not yet used up,
// consumes one unit. exceeded is true when nothing was charged because the
// allowance was already gone.
func (t *TrialCounter) Charge(ctx context.Context, identity string) (snap UsageSnapshot, exceeded bool) {
	n, charged, err := t.store.ChargeIfBelow(ctx, identity, t.limit)
	if err != nil {
		t.log.Error().Err(err).Str("identity", identity).Msg("trial charge failed, letting turn through")
		return t.snapshot(identity, 0), false
	}
	if !charged {
		t.log.Info().Str("identity", identity).Int64("count", n).Msg("trial limit reached")
	}
	return t.snapshot(identity, n), !charged
}

func (t *TrialCounter) snapshot(identity string, n int64) UsageSnapshot {
	remaining := t.limit - n
	if remaining < 0 {
		remaining = 0
	}
	return UsageSnapshot{
		UserID:    identity,
		Count:     n,
		Limit:     t.limit,
		Remaining: remaining,
	}
}
