// internal/publisher/snapshotter.go
package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/rates"
	"github.com/deannos/nem-billing-pipeline/internal/registry"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

// PublishAll enqueues a snapshot for every premise that has a bill. Premises that are
// still restoring, or a missing rate table, are skipped without error.
func (p *Publisher) PublishAll(ctx context.Context, reg *registry.Registry, accessor *rates.Accessor) error {
	table := accessor.Snapshot()
	if table == nil {
		p.logger.Warn("No rate table yet, skipping bill snapshots")
		return nil
	}
	return reg.Each(func(t *tracker.Tracker) error {
		err := p.PublishSnapshot(ctx, t, table)
		if errors.Is(err, ErrUnavailable) {
			return nil
		}
		return err
	})
}

// RunSnapshots publishes every interval until ctx is done.
func (p *Publisher) RunSnapshots(ctx context.Context, reg *registry.Registry, accessor *rates.Accessor, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishAll(ctx, reg, accessor); err != nil {
				p.logger.Error("Bill snapshot publish failed", zap.Error(err))
			}
		}
	}
}
