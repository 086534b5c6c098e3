// internal/tracker/tracker.go
package tracker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/billing"
	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
)

var (
	// ResetThreshold separates a genuine counter restart from a glitch: a drop to a value
	// below it is a restart.
	ResetThreshold = decimal.NewFromInt(10)
	// MaxKWh bounds every energy quantity the tracker holds.
	MaxKWh = decimal.NewFromInt(100000)
)

// GlitchRebaseline is the number of consecutive glitch drops after which the lower
// reading is adopted as the new baseline.
const GlitchRebaseline = 3

// RolloverHook receives every closed billing period. It runs outside the tracker lock.
type RolloverHook func(model.RolloverEvent)

// Config is fixed for the lifetime of a tracker.
type Config struct {
	PremiseID  string
	BillingDay int
	Mode       model.TariffMode
	// Location anchors billing-day boundaries and ToU classification. Defaults to UTC.
	Location *time.Location
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the wall clock used for classification, AFA month and rollover.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithRolloverHook registers a callback for closed billing periods.
func WithRolloverHook(h RolloverHook) Option {
	return func(t *Tracker) { t.onRollover = h }
}

// WithCalculator overrides the bill calculator.
func WithCalculator(c *billing.Calculator) Option {
	return func(t *Tracker) {
		if c != nil {
			t.calc = c
		}
	}
}

// Tracker accumulates the energy counters of one premise and derives its bill.
// All methods are safe for concurrent use; mutations are serialized.
type Tracker struct {
	mu sync.RWMutex

	premiseID  string
	billingDay int
	mode       model.TariffMode
	loc        *time.Location
	now        func() time.Time
	logger     *zap.Logger
	calc       *billing.Calculator
	onRollover RolloverHook

	peak      decimal.Decimal
	offpeak   decimal.Decimal
	total     decimal.Decimal
	export    decimal.Decimal
	nem       decimal.Decimal
	lastReset *time.Time

	importCounter counterState
	exportCounter counterState

	restore  *barrier
	restored bool

	// pending holds rollover events produced under the lock, delivered after unlock.
	pending []model.RolloverEvent
}

// New creates a tracker in the restoring state.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	mode := cfg.Mode
	if mode == "" {
		mode = model.TariffStandard
	}

	t := &Tracker{
		premiseID:  cfg.PremiseID,
		billingDay: clampBillingDay(cfg.BillingDay),
		mode:       mode,
		loc:        loc,
		now:        time.Now,
		logger:     logger.With(zap.String("premise_id", cfg.PremiseID)),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.calc == nil {
		t.calc = billing.NewCalculator(t.logger)
	}
	t.restore = newBarrier(len(mode.RestorableQuantities()), t.completeRestoreLocked)

	t.logger.Info("Energy tracker initialized",
		zap.Int("billing_day", t.billingDay),
		zap.String("tariff_mode", string(t.mode)),
	)
	return t
}

func clampBillingDay(day int) int {
	if day < 1 {
		return 1
	}
	if day > 28 {
		return 28
	}
	return day
}

func clampKWh(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(MaxKWh) {
		return MaxKWh
	}
	return v
}

// PremiseID identifies the premise.
func (t *Tracker) PremiseID() string { return t.premiseID }

// Mode is the tariff mode.
func (t *Tracker) Mode() model.TariffMode { return t.mode }

// BillingDay is the clamped day of month on which a new period starts.
func (t *Tracker) BillingDay() int { return t.billingDay }

func (t *Tracker) clock() time.Time { return t.now().In(t.loc) }

// unlockAndNotify releases the write lock and delivers queued rollover events.
func (t *Tracker) unlockAndNotify() {
	events := t.pending
	t.pending = nil
	hook := t.onRollover
	t.mu.Unlock()

	for _, ev := range events {
		if hook != nil {
			hook(ev)
		}
	}
}

// State returns a copy of the accumulated counters.
func (t *Tracker) State() model.EnergyState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() model.EnergyState {
	s := model.EnergyState{
		PeakKWh:       t.peak,
		OffpeakKWh:    t.offpeak,
		TotalKWh:      t.total,
		ExportKWh:     t.export,
		NEMBalanceKWh: t.nem,
	}
	if t.lastReset != nil {
		lr := *t.lastReset
		s.LastReset = &lr
	}
	return s
}

// CalculateComponents derives the bill from a consistent copy of the counters. It never
// mutates the tracker.
func (t *Tracker) CalculateComponents(table *rates.Table) model.Components {
	t.mu.RLock()
	in := billing.Input{Mode: t.mode, State: t.stateLocked(), Now: t.clock()}
	t.mu.RUnlock()
	return t.calc.Calculate(in, table)
}

// Bill is CalculateComponents gated on restoration and a rate table. The boolean is false
// when derived values must be reported as unavailable.
func (t *Tracker) Bill(table *rates.Table) (model.Components, bool) {
	if !t.IsRestored() || table == nil {
		return model.Components{}, false
	}
	return t.CalculateComponents(table), true
}

// SetValues overwrites the given counters. Nothing else is touched: no reconciliation and
// no rollover.
func (t *Tracker) SetValues(o model.Override) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o.PeakKWh != nil {
		t.peak = clampKWh(*o.PeakKWh)
	}
	if o.OffpeakKWh != nil {
		t.offpeak = clampKWh(*o.OffpeakKWh)
	}
	if o.TotalKWh != nil {
		t.total = clampKWh(*o.TotalKWh)
	}
	if o.ExportKWh != nil {
		t.export = clampKWh(*o.ExportKWh)
	}
	if o.NEMBalanceKWh != nil {
		t.nem = clampKWh(*o.NEMBalanceKWh)
	}

	t.logger.Info("Manual override applied",
		zap.String("peak_kwh", t.peak.String()),
		zap.String("offpeak_kwh", t.offpeak.String()),
		zap.String("total_kwh", t.total.String()),
		zap.String("export_kwh", t.export.String()),
		zap.String("nem_balance_kwh", t.nem.String()),
	)
}
