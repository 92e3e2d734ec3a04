// ABOUTME: Fixed window counter rate limiter keyed by caller identity
// ABOUTME: Check and admit happen in one atomic step inside the window store

package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Default limits applied when a governor is built with zero values
const (
	DefaultMaxRequests = 10
	DefaultWindow      = 60 * time.Second
)

// RateInfo is the quota metadata attached to every response
type RateInfo struct {
	Limit     int   // Maximum requests per window
	Remaining int   // Requests left before this call was counted
	Reset     int64 // Unix seconds when the oldest counted request leaves the window
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed bool
	RateInfo
}

// RetryAfter returns how long a throttled caller should wait, never negative
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := time.Unix(d.Reset, 0).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// WindowStore performs the purge, count and conditional admit for one key
// as a single atomic operation
type WindowStore interface {
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Decision, error)
}

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
	Store       WindowStore
	Clock       Clock
	Logger      zerolog.Logger
}

// RateLimiter enforces max requests per trailing window per identity
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	store       WindowStore
	clock       Clock
	log         zerolog.Logger
}

// NewRateLimiter builds a rate limiter, filling defaults for zero fields
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = DefaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryWindowStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}

	rl := &RateLimiter{
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		store:       cfg.Store,
		clock:       cfg.Clock,
		log:         cfg.Logger,
	}
	rl.log.Info().
		Int("max_requests", rl.maxRequests).
		Dur("window", rl.window).
		Msg("rate limiter initialized")
	return rl
}

// Limit returns the configured max requests per window
func (rl *RateLimiter) Limit() int { return rl.maxRequests }

// Window returns the configured window length
func (rl *RateLimiter) Window() time.Duration { return rl.window }

// Now reads the limiter's clock
func (rl *RateLimiter) Now() time.Time { return rl.clock.Now() }

// Check decides whether identity may make one more request and, if so,
// records it. A store failure admits the request: throttling must never
// turn into a server error.
func (rl *RateLimiter) Check(ctx context.Context, identity string) Decision {
	now := rl.clock.Now()
	d, err := rl.store.Admit(ctx, identity, now, rl.window, rl.maxRequests)
	if err != nil {
		rl.log.Error().Err(err).Str("identity", identity).Msg("rate limit store failed, admitting request")
		return Decision{
			Allowed: true,
			RateInfo: RateInfo{
				Limit:     rl.maxRequests,
				Remaining: rl.maxRequests,
				Reset:     now.Add(rl.window).Unix(),
			},
		}
	}

	if d.Allowed {
		rl.log.Debug().Str("identity", identity).Int("remaining", d.Remaining).Msg("rate limit check passed")
	} else {
		rl.log.Warn().
			Str("identity", identity).
			Int("limit", d.Limit).
			Dur("window", rl.window).
			Msg("rate limit exceeded")
	}
	return d
}

type event struct {
	at    time.Time
	count int
}

// evaluate applies the fixed window rules to events and returns the
// surviving events (plus the admitted one, if any) and the decision
func evaluate(events []event, now time.Time, window time.Duration, limit int) ([]event, Decision) {
	cutoff := now.Add(-window)

	kept := events[:0]
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	sum := 0
	var oldest time.Time
	for i, e := range kept {
		sum += e.count
		if i == 0 || e.at.Before(oldest) {
			oldest = e.at
		}
	}

	reset := now.Add(window).Unix()
	if len(kept) > 0 {
		reset = oldest.Add(window).Unix()
	}

	remaining := limit - sum
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed: sum < limit,
		RateInfo: RateInfo{
			Limit:     limit,
			Remaining: remaining,
			Reset:     reset,
		},
	}
	if d.Allowed {
		kept = append(kept, event{at: now, count: 1})
	}
	return kept, d
}
