package corpus

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Warmer refreshes a fixed set of cities on a cron schedule so that user
// turns mostly hit a fresh cache
type Warmer struct {
	manager  *Manager
	cities   []string
	schedule string
	cron     *cron.Cron
	log      zerolog.Logger
}

// NewWarmer creates a warmer; schedule is a standard five-field cron spec
// or a descriptor such as "@every 3h"
func NewWarmer(m *Manager, cities []string, schedule string, log zerolog.Logger) *Warmer {
	return &Warmer{
		manager:  m,
		cities:   cities,
		schedule: schedule,
		log:      log.With().Str("component", "corpus-warmer").Logger(),
	}
}

// WarmAll refreshes every configured city once and returns how many failed
func (w *Warmer) WarmAll(ctx context.Context) int {
	failed := 0
	for _, city := range w.cities {
		if _, err := w.manager.Refresh(ctx, city); err != nil {
			failed++
			w.log.Error().Err(err).Str("city", city).Msg("warm failed")
		}
	}
	w.log.Info().Int("cities", len(w.cities)).Int("failed", failed).Msg("corpus warm pass complete")
	return failed
}

// Start schedules WarmAll; the returned error reports a bad schedule
func (w *Warmer) Start(ctx context.Context) error {
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.schedule, func() { w.WarmAll(ctx) }); err != nil {
		return fmt.Errorf("schedule corpus warmer %q: %w", w.schedule, err)
	}
	w.cron.Start()
	w.log.Info().Str("schedule", w.schedule).Strs("cities", w.cities).Msg("corpus warmer started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish
func (w *Warmer) Stop() {
	if w.cron == nil {
		return
	}
	<-w.cron.Stop().Done()
}
