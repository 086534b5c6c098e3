// internal/tracker/ingest.go
package tracker

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/metrics"
	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
)

// Outcome describes what a sample did to the tracker.
type Outcome string

const (
	// OutcomeIgnored: sentinel state, non-numeric or negative value.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate: same timestamp as the last processed sample.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeBaseline: first usable reading, nothing to diff against.
	OutcomeBaseline Outcome = "baseline"
	// OutcomeUnchanged: the counter did not move.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeAccumulated: a positive delta was added.
	OutcomeAccumulated Outcome = "accumulated"
	// OutcomeReset: the counter restarted near zero and the new value was added.
	OutcomeReset Outcome = "reset"
	// OutcomeGlitch: a large drop was discarded. Energy consumed between the drop and the
	// counter climbing back past the last good reading is not counted, unless the drop
	// persists for GlitchRebaseline samples and the low value becomes the baseline.
	OutcomeGlitch Outcome = "glitch"
)

// counterState is the last-seen reading of one meter counter.
type counterState struct {
	last     *decimal.Decimal
	lastAt   time.Time
	glitches int
}

func (c *counterState) rebase(v decimal.Decimal) {
	c.last = &v
	c.glitches = 0
}

// Changed reports whether the outcome moved an energy counter.
func (o Outcome) Changed() bool { return o == OutcomeAccumulated || o == OutcomeReset }

type counterKind string

const (
	kindImport counterKind = "import"
	kindExport counterKind = "export"
)

// IngestImport applies an import-counter sample. In ToU mode the delta is classified
// against table's schedule at the current wall-clock time.
func (t *Tracker) IngestImport(s model.Sample, table *rates.Table) Outcome {
	t.mu.Lock()
	defer t.unlockAndNotify()

	delta, outcome := t.deltaLocked(kindImport, s, &t.importCounter)
	if delta.IsPositive() {
		now := t.clock()
		if t.restored {
			t.checkRolloverLocked(now)
		}
		t.addImportLocked(delta, now, table)
	}
	metrics.IncSample(string(kindImport), string(outcome))
	return outcome
}

// IngestExport applies an export-counter sample. Export is never time-classified.
func (t *Tracker) IngestExport(s model.Sample) Outcome {
	t.mu.Lock()
	defer t.unlockAndNotify()

	delta, outcome := t.deltaLocked(kindExport, s, &t.exportCounter)
	if delta.IsPositive() {
		if t.restored {
			t.checkRolloverLocked(t.clock())
		}
		t.export = clampKWh(t.export.Add(delta))
		t.logger.Debug("Export delta",
			zap.String("delta_kwh", delta.String()),
			zap.String("export_kwh", t.export.String()),
		)
	}
	metrics.IncSample(string(kindExport), string(outcome))
	return outcome
}

// deltaLocked turns a raw sample into an energy delta and advances the last-seen reading.
func (t *Tracker) deltaLocked(kind counterKind, s model.Sample, c *counterState) (decimal.Decimal, Outcome) {
	if s.Value.IsSentinel() {
		return decimal.Zero, OutcomeIgnored
	}
	newVal, err := s.Value.Decimal()
	if err != nil {
		t.logger.Error("Error processing meter state",
			zap.String("counter", string(kind)),
			zap.String("value", string(s.Value)),
			zap.Error(err),
		)
		return decimal.Zero, OutcomeIgnored
	}
	if newVal.IsNegative() {
		t.logger.Error("Negative meter reading, ignoring",
			zap.String("counter", string(kind)),
			zap.String("value", newVal.String()),
		)
		return decimal.Zero, OutcomeIgnored
	}

	var prev *decimal.Decimal
	if s.Previous != nil {
		if p, err := s.Previous.Decimal(); err == nil {
			if p.IsNegative() {
				t.logger.Error("Negative previous reading, ignoring",
					zap.String("counter", string(kind)),
					zap.String("previous", p.String()),
				)
				return decimal.Zero, OutcomeIgnored
			}
			prev = &p
		}
	}

	if !s.Timestamp.IsZero() && s.Timestamp.Equal(c.lastAt) {
		return decimal.Zero, OutcomeDuplicate
	}
	if !s.Timestamp.IsZero() {
		c.lastAt = s.Timestamp
	}

	var oldVal decimal.Decimal
	switch {
	case s.Previous != nil && prev == nil:
		// The meter was offline; this reading becomes the new baseline.
		c.rebase(newVal)
		return decimal.Zero, OutcomeBaseline
	case prev != nil:
		oldVal = *prev
	case c.last != nil:
		oldVal = *c.last
	default:
		c.rebase(newVal)
		return decimal.Zero, OutcomeBaseline
	}

	if newVal.LessThan(oldVal) {
		if newVal.LessThan(ResetThreshold) {
			t.logger.Info("Sensor reset detected",
				zap.String("counter", string(kind)),
				zap.String("old", oldVal.String()),
				zap.String("new", newVal.String()),
				zap.String("delta_kwh", newVal.String()),
			)
			c.rebase(newVal)
			if newVal.IsZero() {
				return decimal.Zero, OutcomeUnchanged
			}
			return newVal, OutcomeReset
		}
		c.glitches++
		if c.glitches >= GlitchRebaseline {
			t.logger.Warn("Sensor stayed below last reading, adopting it as new baseline",
				zap.String("counter", string(kind)),
				zap.String("old", oldVal.String()),
				zap.String("new", newVal.String()),
				zap.Int("consecutive_drops", c.glitches),
			)
			c.rebase(newVal)
			return decimal.Zero, OutcomeBaseline
		}
		t.logger.Warn("Unexpected decrease in sensor, ignoring",
			zap.String("counter", string(kind)),
			zap.String("old", oldVal.String()),
			zap.String("new", newVal.String()),
		)
		return decimal.Zero, OutcomeGlitch
	}

	c.rebase(newVal)
	delta := newVal.Sub(oldVal)
	if delta.IsZero() {
		return decimal.Zero, OutcomeUnchanged
	}
	return delta, OutcomeAccumulated
}

func (t *Tracker) addImportLocked(delta decimal.Decimal, now time.Time, table *rates.Table) {
	if !t.mode.IsToU() {
		t.total = clampKWh(t.total.Add(delta))
		t.logger.Debug("Import delta",
			zap.String("delta_kwh", delta.String()),
			zap.String("total_kwh", t.total.String()),
		)
		return
	}

	if table == nil {
		t.logger.Warn("No rate table for ToU classification, defaulting to off-peak")
	}
	if t.calc.IsPeak(now, table) {
		t.peak = clampKWh(t.peak.Add(delta))
		t.logger.Debug("Added to peak",
			zap.String("delta_kwh", delta.String()),
			zap.String("peak_kwh", t.peak.String()),
		)
	} else {
		t.offpeak = clampKWh(t.offpeak.Add(delta))
		t.logger.Debug("Added to off-peak",
			zap.String("delta_kwh", delta.String()),
			zap.String("offpeak_kwh", t.offpeak.String()),
		)
	}
	t.total = clampKWh(t.peak.Add(t.offpeak))
}
