// internal/tracker/restore_test.go
package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deannos/nem-billing-pipeline/internal/model"
)

func TestRestorationHandshakeToU(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 20)}
	tr := newTracker(t, model.TariffTimeOfUse, 1, clock)
	tr.SetExpectedSensorCount(5)

	tr.SetLastReset(date(2025, 3, 1))
	tr.SetPeakKWh(d("60"))
	assert.False(t, tr.RegisterSensorRestored())
	tr.SetOffpeakKWh(d("40"))
	assert.False(t, tr.RegisterSensorRestored())
	tr.SetTotalKWh(d("999"))
	assert.False(t, tr.RegisterSensorRestored())

	// Setters never reconcile mid-restore.
	assertKWh(t, "999", tr.State().TotalKWh)

	tr.SetExportKWh(d("25"))
	assert.False(t, tr.RegisterSensorRestored())
	assert.False(t, tr.IsRestored())

	_, available := tr.Bill(touTable())
	assert.False(t, available, "bill is unavailable while restoring")

	tr.SetNEMBalanceKWh(d("12"))
	assert.True(t, tr.RegisterSensorRestored(), "fifth quantity completes restoration")
	assert.True(t, tr.IsRestored())

	s := tr.State()
	assertKWh(t, "100", s.TotalKWh, "ToU total reconciled on completion")
	assertKWh(t, "25", s.ExportKWh)
	assertKWh(t, "12", s.NEMBalanceKWh)
	assert.True(t, s.LastReset.Equal(date(2025, 3, 1)), "no boundary crossed")

	// Later registrations never report completion again and never revert.
	assert.False(t, tr.RegisterSensorRestored())
	assert.False(t, tr.MarkRestored())
	assert.True(t, tr.IsRestored())

	c, available := tr.Bill(touTable())
	assert.True(t, available)
	assert.True(t, c.ImportCost.IsPositive())
	_, available = tr.Bill(nil)
	assert.False(t, available, "no rate table, no bill")
}

func TestRestorationStandardDefaultsToThree(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 20)}
	tr := newTracker(t, model.TariffStandard, 1, clock)

	tr.SetPeakKWh(d("1"))
	tr.SetOffpeakKWh(d("2"))
	tr.SetTotalKWh(d("50"))
	assert.False(t, tr.RegisterSensorRestored())
	assert.False(t, tr.RegisterSensorRestored())
	assert.True(t, tr.RegisterSensorRestored())

	assertKWh(t, "50", tr.State().TotalKWh, "standard total is authoritative")
}

func TestRestorationAppliesMissedRollover(t *testing.T) {
	var events []model.RolloverEvent
	clock := &fakeClock{now: time.Date(2025, 4, 10, 9, 0, 0, 0, time.UTC)}
	tr := newTracker(t, model.TariffStandard, 1, clock,
		WithRolloverHook(func(ev model.RolloverEvent) { events = append(events, ev) }))
	tr.SetExpectedSensorCount(3)

	tr.SetLastReset(date(2025, 3, 1))
	tr.SetTotalKWh(d("100"))
	tr.RegisterSensorRestored()
	tr.SetExportKWh(d("150"))
	tr.RegisterSensorRestored()
	tr.SetNEMBalanceKWh(d("10"))
	require.True(t, tr.RegisterSensorRestored())

	s := tr.State()
	assert.True(t, s.TotalKWh.IsZero())
	assert.True(t, s.ExportKWh.IsZero())
	assertKWh(t, "60", s.NEMBalanceKWh)
	assert.True(t, s.LastReset.Equal(clock.Now()))

	require.Len(t, events, 1)
	assertKWh(t, "50", events[0].CarriedKWh)
}

func TestRestorationWithoutLastResetStartsPeriodNow(t *testing.T) {
	clock := &fakeClock{now: date(2025, 4, 10)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetExpectedSensorCount(1)
	tr.SetTotalKWh(d("40"))
	require.True(t, tr.RegisterSensorRestored())

	s := tr.State()
	assertKWh(t, "40", s.TotalKWh)
	require.NotNil(t, s.LastReset)
	assert.True(t, s.LastReset.Equal(clock.Now()))
}

func TestExpectedCountAlreadyReached(t *testing.T) {
	clock := &fakeClock{now: date(2025, 4, 10)}
	tr := newTracker(t, model.TariffTimeOfUse, 1, clock)

	assert.False(t, tr.RegisterSensorRestored())
	assert.False(t, tr.RegisterSensorRestored())
	assert.False(t, tr.IsRestored())

	tr.SetExpectedSensorCount(2)
	assert.True(t, tr.IsRestored())
}

func TestSetterClamping(t *testing.T) {
	clock := &fakeClock{now: date(2025, 4, 10)}
	tr := newTracker(t, model.TariffTimeOfUse, 1, clock)

	tr.SetPeakKWh(d("-5"))
	tr.SetOffpeakKWh(d("100000.5"))
	tr.SetLastReset(time.Time{})

	s := tr.State()
	assert.True(t, s.PeakKWh.IsZero())
	assertKWh(t, "100000", s.OffpeakKWh)
	assert.Nil(t, s.LastReset)
}

func TestBarrier(t *testing.T) {
	fired := 0
	b := newBarrier(2, func() { fired++ })

	assert.False(t, b.arrive())
	assert.True(t, b.arrive())
	assert.False(t, b.arrive())
	assert.False(t, b.expect(10))
	assert.False(t, b.force())
	assert.Equal(t, 1, fired)

	b = newBarrier(3, func() { fired++ })
	assert.True(t, b.force())
	assert.Equal(t, 2, fired)
}
