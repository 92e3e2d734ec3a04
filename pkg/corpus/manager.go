// ABOUTME: Cache-first corpus acquisition with a freshness TTL
// ABOUTME: Stale or missing cities are refetched once per burst, with retries

package corpus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot counts as fresh
const DefaultTTL = 6 * time.Hour

// Acquirer is what the pipeline needs from corpus acquisition
type Acquirer interface {
	Acquire(ctx context.Context, city string) (Result, error)
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Fetcher      Fetcher
	Cache        Cache
	TTL          time.Duration
	FetchTimeout time.Duration // per attempt
	MaxRetries   uint64
	RetryBase    time.Duration
	Now          func() time.Time
	Logger       zerolog.Logger
}

// Manager serves cached snapshots while fresh and refetches otherwise
type Manager struct {
	fetcher      Fetcher
	cache        Cache
	ttl          time.Duration
	fetchTimeout time.Duration
	maxRetries   uint64
	retryBase    time.Duration
	now          func() time.Time
	log          zerolog.Logger
	group        singleflight.Group
}

// NewManager builds a Manager, filling defaults for zero fields
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Cache == nil {
		cfg.Cache = NewMemoryCache()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		fetcher:      cfg.Fetcher,
		cache:        cfg.Cache,
		ttl:          cfg.TTL,
		fetchTimeout: cfg.FetchTimeout,
		maxRetries:   cfg.MaxRetries,
		retryBase:    cfg.RetryBase,
		now:          cfg.Now,
		log:          cfg.Logger,
	}
}

// TTL returns the freshness window
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire returns the cached corpus for city when it is younger than the
// TTL, otherwise fetches, caches and returns a new one with age 0
func (m *Manager) Acquire(ctx context.Context, city string) (Result, error) {
	city = NormalizeCity(city)
	now := m.now()

	snap, ok, err := m.cache.Load(ctx, city)
	if err != nil {
		m.log.Warn().Err(err).Str("city", city).Msg("corpus cache read failed, refetching")
		ok = false
	}
	if ok {
		age := now.Sub(snap.FetchedAt)
		if age < 0 {
			age = 0
		}
		if age < m.ttl {
			hours := age.Hours()
			m.log.Debug().Str("city", city).Float64("age_hours", hours).Msg("serving cached corpus")
			return Result{City: city, Events: snap.Events, AgeHours: &hours}, nil
		}
		m.log.Info().Str("city", city).Float64("age_hours", age.Hours()).Msg("cached corpus expired")
	}

	snap, err = m.Refresh(ctx, city)
	if err != nil {
		return Result{City: city}, err
	}
	zero := 0.0
	return Result{City: city, Events: snap.Events, AgeHours: &zero}, nil
}

// Refresh fetches city now, regardless of cache state. Concurrent refreshes
// of one city share a single fetch.
func (m *Manager) Refresh(ctx context.Context, city string) (*Snapshot, error) {
	city = NormalizeCity(city)
	ch := m.group.DoChan(city, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		return m.fetch(context.WithoutCancel(ctx), city)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (m *Manager) fetch(ctx context.Context, city string) (*Snapshot, error) {
	if m.fetcher == nil {
		return nil, errors.New("corpus: no fetcher configured")
	}

	var events []Event
	backoff := retry.WithMaxRetries(m.maxRetries, retry.NewFibonacci(m.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()

		var err error
		events, err = m.fetcher.Fetch(attemptCtx, city)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnknownCity) {
			return err
		}
		m.log.Warn().Err(err).Str("city", city).Msg("corpus fetch attempt failed")
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch corpus for %s: %w", city, err)
	}

	snap := &Snapshot{City: city, Events: events, FetchedAt: m.now()}
	if err := m.cache.Store(ctx, snap); err != nil {
		m.log.Warn().Err(err).Str("city", city).Msg("corpus cache write failed")
	}
	m.log.Info().Str("city", city).Int("events", len(events)).Msg("corpus refreshed")
	return snap, nil
}
