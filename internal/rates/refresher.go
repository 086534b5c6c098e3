// internal/rates/refresher.go
package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/metrics"
)

// Source yields a fresh rate table.
type Source interface {
	Fetch(ctx context.Context) (*Table, error)
}

// Refresher periodically pulls a new table from a Source into an Accessor.
type Refresher struct {
	source   Source
	accessor *Accessor
	logger   *zap.Logger

	interval       time.Duration
	initialBackoff time.Duration
	maxElapsed     time.Duration
}

// NewRefresher wires a source to an accessor. maxElapsed bounds the retries of one refresh;
// zero disables retrying.
func NewRefresher(source Source, accessor *Accessor, logger *zap.Logger, interval, maxElapsed time.Duration) *Refresher {
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	return &Refresher{
		source:         source,
		accessor:       accessor,
		logger:         logger,
		interval:       interval,
		initialBackoff: 2 * time.Second,
		maxElapsed:     maxElapsed,
	}
}

// Run refreshes immediately and then on every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("Rate refresher started", zap.Duration("interval", r.interval))
	_ = r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Rate refresher stopped")
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Refresh performs one refresh with backoff. The previous snapshot is kept on failure.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialBackoff
	bo.MaxElapsedTime = r.maxElapsed
	var policy backoff.BackOff = bo
	if r.maxElapsed <= 0 {
		policy = &backoff.StopBackOff{}
	}

	attempt := 0
	table, err := backoff.RetryWithData(func() (*Table, error) {
		attempt++
		t, err := r.source.Fetch(ctx)
		if err == nil && t == nil {
			err = fmt.Errorf("%w: empty rate table", ErrUpdateFailed)
		}
		if err != nil {
			r.logger.Warn("Rate table fetch failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return t, err
	}, backoff.WithContext(policy, ctx))

	metrics.ObserveRateRefresh(err, time.Since(start))
	if err != nil {
		r.logger.Error("Rate table refresh failed, keeping last good snapshot",
			zap.Bool("has_snapshot", r.accessor.Snapshot() != nil),
			zap.Error(err),
		)
		return err
	}
	r.accessor.Store(table)
	r.logger.Info("Rate table refreshed", zap.Int("attempts", attempt), zap.Time("fetched_at", table.FetchedAt))
	return nil
}
