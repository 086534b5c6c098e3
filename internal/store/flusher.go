// internal/store/flusher.go
package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/metrics"
	"github.com/deannos/nem-billing-pipeline/internal/registry"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

// DefaultFlushInterval applies when no interval is configured.
const DefaultFlushInterval = time.Minute

// Flusher periodically persists every restored premise.
type Flusher struct {
	store    *Store
	registry *registry.Registry
	interval time.Duration
	logger   *zap.Logger
}

// NewFlusher creates a Flusher.
func NewFlusher(s *Store, reg *registry.Registry, interval time.Duration, logger *zap.Logger) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flusher{store: s, registry: reg, interval: interval, logger: logger}
}

// Run flushes on every tick until ctx is done. The caller owns the final flush.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.logger.Error("State flush failed", zap.Error(err))
			}
		}
	}
}

// Flush saves every restored premise. Premises still restoring are skipped so a partial
// state never overwrites what is stored. Failures of individual premises are combined.
func (f *Flusher) Flush(ctx context.Context) error {
	saved := 0
	err := f.registry.Each(func(t *tracker.Tracker) error {
		if !t.IsRestored() {
			return nil
		}
		if err := f.store.Save(ctx, t.PremiseID(), t.State()); err != nil {
			return err
		}
		saved++
		return nil
	})
	metrics.ObserveStoreFlush(err)
	f.logger.Debug("State flushed", zap.Int("premises", saved), zap.Error(err))
	return err
}
