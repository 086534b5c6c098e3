// internal/tracker/rollover.go
package tracker

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/metrics"
	"github.com/deannos/nem-billing-pipeline/internal/model"
)

// PeriodStart returns the start of the billing period containing now: the latest
// billingDay at midnight that is not after now.
func PeriodStart(now time.Time, billingDay int) time.Time {
	day := clampBillingDay(billingDay)
	month := now.Month()
	if now.Day() < day {
		month--
	}
	// time.Date normalises month 0 to December of the previous year.
	return time.Date(now.Year(), month, day, 0, 0, 0, 0, now.Location())
}

// CheckRollover closes the billing period if now is past its end. The first call on a
// tracker with no recorded reset only records now as the period start.
func (t *Tracker) CheckRollover(now time.Time) {
	t.mu.Lock()
	defer t.unlockAndNotify()
	t.checkRolloverLocked(now.In(t.loc))
}

func (t *Tracker) checkRolloverLocked(now time.Time) {
	if t.lastReset == nil {
		t.lastReset = &now
		return
	}

	start := PeriodStart(now, t.billingDay)
	if !t.lastReset.Before(start) {
		return
	}

	closed := t.stateLocked()
	current := closed.ImportKWh(t.mode)
	excess := decimal.Max(t.export.Sub(current), decimal.Zero)

	newYear := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, now.Location())
	forfeit := t.lastReset.Before(newYear)

	ev := model.RolloverEvent{
		PremiseID:     t.premiseID,
		PreviousReset: closed.LastReset,
		ResetAt:       now,
		Closed:        closed,
		Forfeited:     forfeit,
	}
	if forfeit {
		ev.ForfeitedKWh = t.nem
		t.nem = decimal.Zero
	} else {
		ev.CarriedKWh = excess
		t.nem = t.nem.Add(excess)
	}
	ev.NEMBalanceKWh = t.nem

	t.logger.Info("Billing cycle reset",
		zap.Time("previous_reset", *t.lastReset),
		zap.String("peak_kwh", t.peak.String()),
		zap.String("offpeak_kwh", t.offpeak.String()),
		zap.String("total_kwh", t.total.String()),
		zap.String("export_kwh", t.export.String()),
		zap.String("excess_kwh", excess.String()),
		zap.Bool("nem_forfeited", forfeit),
		zap.String("nem_balance_kwh", t.nem.String()),
	)

	t.peak = decimal.Zero
	t.offpeak = decimal.Zero
	t.total = decimal.Zero
	t.export = decimal.Zero
	t.lastReset = &now

	metrics.IncRollover(forfeit)
	t.pending = append(t.pending, ev)
}
