// internal/tracker/restore.go
package tracker

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/model"
)

// The per-quantity setters store a restored value as-is (after clamping). They never
// reconcile or roll over, so a half-restored state is never mistaken for usage.

// SetPeakKWh restores the peak counter.
func (t *Tracker) SetPeakKWh(v decimal.Decimal) { t.setQuantity(&t.peak, v) }

// SetOffpeakKWh restores the off-peak counter.
func (t *Tracker) SetOffpeakKWh(v decimal.Decimal) { t.setQuantity(&t.offpeak, v) }

// SetTotalKWh restores the total counter.
func (t *Tracker) SetTotalKWh(v decimal.Decimal) { t.setQuantity(&t.total, v) }

// SetExportKWh restores the export counter.
func (t *Tracker) SetExportKWh(v decimal.Decimal) { t.setQuantity(&t.export, v) }

// SetNEMBalanceKWh restores the carried NEM balance.
func (t *Tracker) SetNEMBalanceKWh(v decimal.Decimal) { t.setQuantity(&t.nem, v) }

func (t *Tracker) setQuantity(dst *decimal.Decimal, v decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*dst = clampKWh(v)
}

// SetLastReset restores the start of the current period. A zero time clears it.
func (t *Tracker) SetLastReset(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.IsZero() {
		t.lastReset = nil
		return
	}
	at = at.In(t.loc)
	t.lastReset = &at
}

// SetExpectedSensorCount sets how many quantities the host will restore. A count that has
// already been reached completes restoration.
func (t *Tracker) SetExpectedSensorCount(n int) {
	t.mu.Lock()
	defer t.unlockAndNotify()
	t.restore.expect(n)
}

// RegisterSensorRestored records one restored quantity. It returns true only on the call
// that completes restoration.
func (t *Tracker) RegisterSensorRestored() bool {
	t.mu.Lock()
	defer t.unlockAndNotify()
	return t.restore.arrive()
}

// MarkRestored completes restoration without waiting for the remaining quantities.
// It returns false if restoration had already completed.
func (t *Tracker) MarkRestored() bool {
	t.mu.Lock()
	defer t.unlockAndNotify()
	return t.restore.force()
}

// IsRestored reports whether live processing and bill derivation are enabled.
func (t *Tracker) IsRestored() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.restored
}

func (t *Tracker) completeRestoreLocked() {
	t.reconcileLocked()
	t.checkRolloverLocked(t.clock())
	t.restored = true
	t.logger.Info("Energy state restored",
		zap.String("peak_kwh", t.peak.String()),
		zap.String("offpeak_kwh", t.offpeak.String()),
		zap.String("total_kwh", t.total.String()),
		zap.String("export_kwh", t.export.String()),
		zap.String("nem_balance_kwh", t.nem.String()),
	)
}

// ReconcileTouTotal forces total = peak + offpeak in ToU mode. Standard totals are
// authoritative and left alone.
func (t *Tracker) ReconcileTouTotal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reconcileLocked()
}

func (t *Tracker) reconcileLocked() {
	if !t.mode.IsToU() {
		return
	}
	sum := t.peak.Add(t.offpeak)
	if !sum.Equal(t.total) {
		t.logger.Debug("Reconciled ToU total",
			zap.String("restored_total_kwh", t.total.String()),
			zap.String("total_kwh", sum.String()),
		)
	}
	t.total = sum
}

// RestoreState assigns all period counters in one call. It does not take part in the
// restoration handshake.
func (t *Tracker) RestoreState(r model.LegacyRestore) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.peak = clampKWh(r.PeakKWh)
	t.offpeak = clampKWh(r.OffpeakKWh)
	t.total = clampKWh(r.TotalKWh)
	t.export = clampKWh(r.ExportKWh)
	t.reconcileLocked()
	if r.LastReset != nil {
		lr := r.LastReset.In(t.loc)
		t.lastReset = &lr
	} else {
		t.lastReset = nil
	}

	t.logger.Info("Restored energy state",
		zap.String("peak_kwh", t.peak.String()),
		zap.String("offpeak_kwh", t.offpeak.String()),
		zap.String("total_kwh", t.total.String()),
		zap.String("export_kwh", t.export.String()),
	)
}
