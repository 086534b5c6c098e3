// internal/tracker/rollover_test.go
package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deannos/nem-billing-pipeline/internal/model"
)

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		name       string
		now        time.Time
		billingDay int
		want       time.Time
	}{
		{"on billing day", time.Date(2025, 4, 15, 8, 0, 0, 0, time.UTC), 15, date(2025, 4, 15)},
		{"after billing day", time.Date(2025, 4, 20, 8, 0, 0, 0, time.UTC), 15, date(2025, 4, 15)},
		{"before billing day", time.Date(2025, 4, 10, 8, 0, 0, 0, time.UTC), 15, date(2025, 3, 15)},
		{"january before billing day", time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC), 15, date(2024, 12, 15)},
		{"first of month", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 1, date(2025, 1, 1)},
		{"day clamped to 28", time.Date(2025, 3, 30, 8, 0, 0, 0, time.UTC), 31, date(2025, 3, 28)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.want.Equal(PeriodStart(tc.now, tc.billingDay)), "got %s", PeriodStart(tc.now, tc.billingDay))
		})
	}
}

func TestFirstRolloverCheckRecordsStart(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 10)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetValues(model.Override{TotalKWh: dp("100")})

	tr.CheckRollover(date(2025, 3, 10))

	s := tr.State()
	require.NotNil(t, s.LastReset)
	assert.True(t, s.LastReset.Equal(date(2025, 3, 10)))
	assertKWh(t, "100", s.TotalKWh)
}

func TestNoRolloverWithinPeriod(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 10)}
	tr := newTracker(t, model.TariffStandard, 15, clock)
	tr.SetLastReset(date(2025, 2, 15))
	tr.SetValues(model.Override{TotalKWh: dp("100"), ExportKWh: dp("150")})

	tr.CheckRollover(date(2025, 3, 14))
	assertKWh(t, "100", tr.State().TotalKWh)

	tr.CheckRollover(date(2025, 3, 15))
	assertKWh(t, "0", tr.State().TotalKWh)
	assertKWh(t, "50", tr.State().NEMBalanceKWh)
}

func TestNEMBalanceAccumulatesAcrossMonths(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 1)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetLastReset(date(2025, 3, 1))

	tr.SetValues(model.Override{TotalKWh: dp("100"), ExportKWh: dp("150")})
	tr.CheckRollover(date(2025, 4, 1))

	s := tr.State()
	assertKWh(t, "50", s.NEMBalanceKWh)
	assert.True(t, s.ExportKWh.IsZero())
	assert.True(t, s.TotalKWh.IsZero())

	tr.SetValues(model.Override{TotalKWh: dp("80"), ExportKWh: dp("120")})
	tr.CheckRollover(date(2025, 5, 1))
	assertKWh(t, "90", tr.State().NEMBalanceKWh)
}

func TestNEMBalanceUnchangedWithoutExcess(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 1)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetLastReset(date(2025, 3, 1))
	tr.SetValues(model.Override{NEMBalanceKWh: dp("30"), TotalKWh: dp("150"), ExportKWh: dp("100")})

	tr.CheckRollover(date(2025, 4, 1))
	assertKWh(t, "30", tr.State().NEMBalanceKWh)
}

func TestNEMBalanceToUUsesPeakPlusOffpeak(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 15)}
	tr := newTracker(t, model.TariffTimeOfUse, 15, clock)
	tr.SetLastReset(date(2025, 3, 15))
	// Stale total must not leak into the excess computation.
	tr.SetValues(model.Override{PeakKWh: dp("60"), OffpeakKWh: dp("40"), TotalKWh: dp("5"), ExportKWh: dp("180")})

	tr.CheckRollover(date(2025, 4, 15))

	s := tr.State()
	assertKWh(t, "80", s.NEMBalanceKWh)
	assert.True(t, s.PeakKWh.IsZero())
	assert.True(t, s.OffpeakKWh.IsZero())
	assert.True(t, s.TotalKWh.IsZero())
}

func TestNEMBalanceForfeitedOnNewYear(t *testing.T) {
	tests := []struct {
		name       string
		billingDay int
		lastReset  time.Time
		now        time.Time
	}{
		{"billing day 1", 1, date(2024, 12, 1), date(2025, 1, 1)},
		{"mid-month billing day", 15, date(2024, 12, 15), date(2025, 1, 15)},
		{"offline over several months", 1, date(2024, 11, 1), date(2025, 2, 3)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var events []model.RolloverEvent
			clock := &fakeClock{now: tc.now}
			tr := newTracker(t, model.TariffStandard, tc.billingDay, clock,
				WithRolloverHook(func(ev model.RolloverEvent) { events = append(events, ev) }))
			tr.SetLastReset(tc.lastReset)
			tr.SetValues(model.Override{NEMBalanceKWh: dp("150"), TotalKWh: dp("50"), ExportKWh: dp("100")})

			tr.CheckRollover(tc.now)

			assert.True(t, tr.State().NEMBalanceKWh.IsZero())
			require.Len(t, events, 1)
			ev := events[0]
			assert.True(t, ev.Forfeited)
			assertKWh(t, "150", ev.ForfeitedKWh)
			assert.True(t, ev.CarriedKWh.IsZero())
			assertKWh(t, "50", ev.Closed.TotalKWh)
			require.NotNil(t, ev.PreviousReset)
			assert.True(t, ev.PreviousReset.Equal(tc.lastReset))
			assert.True(t, ev.ResetAt.Equal(tc.now))
		})
	}
}

func TestNEMBalanceContinuesWithinYear(t *testing.T) {
	clock := &fakeClock{now: date(2025, 1, 1)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetLastReset(date(2025, 1, 1))

	tr.SetValues(model.Override{TotalKWh: dp("80"), ExportKWh: dp("120")})
	tr.CheckRollover(date(2025, 2, 1))
	assertKWh(t, "40", tr.State().NEMBalanceKWh)

	tr.SetValues(model.Override{TotalKWh: dp("60"), ExportKWh: dp("90")})
	tr.CheckRollover(date(2025, 3, 1))
	assertKWh(t, "70", tr.State().NEMBalanceKWh)
}

func TestRolloverEventCarry(t *testing.T) {
	var (
		events []model.RolloverEvent
		tr     *Tracker
	)
	clock := &fakeClock{now: date(2025, 4, 1)}
	tr = newTracker(t, model.TariffStandard, 1, clock,
		WithRolloverHook(func(ev model.RolloverEvent) {
			// The hook runs outside the lock.
			assert.True(t, tr.State().TotalKWh.IsZero())
			events = append(events, ev)
		}))
	tr.SetLastReset(date(2025, 3, 1))
	tr.SetValues(model.Override{NEMBalanceKWh: dp("10"), TotalKWh: dp("100"), ExportKWh: dp("150")})

	tr.CheckRollover(date(2025, 4, 1))
	// A second check in the same period is a no-op.
	tr.CheckRollover(date(2025, 4, 2))

	require.Len(t, events, 1)
	assert.False(t, events[0].Forfeited)
	assertKWh(t, "50", events[0].CarriedKWh)
	assertKWh(t, "60", events[0].NEMBalanceKWh)
	assertKWh(t, "150", events[0].Closed.ExportKWh)
}

func TestIngestRollsOverOnlyAfterRestore(t *testing.T) {
	clock := &fakeClock{now: date(2025, 4, 2)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetLastReset(date(2025, 3, 1))
	tr.SetTotalKWh(d("300"))
	tr.SetExportKWh(d("20"))

	at := clock.Now()
	tr.IngestImport(sample("1000", at), nil)
	tr.IngestImport(sample("1005", at.Add(time.Minute)), nil)

	// Still restoring: no rollover, delta lands on the old period.
	s := tr.State()
	assertKWh(t, "305", s.TotalKWh)
	assert.True(t, s.LastReset.Equal(date(2025, 3, 1)))

	tr.MarkRestored()
	// Completing restoration runs the deferred check.
	s = tr.State()
	assert.True(t, s.TotalKWh.IsZero())
	assert.True(t, s.LastReset.Equal(date(2025, 4, 2)))

	clock.Set(date(2025, 5, 3))
	tr.IngestExport(sample("10", at.Add(2*time.Minute)))
	tr.IngestExport(sample("17", at.Add(3*time.Minute)))

	// The May boundary was crossed: export lands in the fresh period.
	s = tr.State()
	assertKWh(t, "7", s.ExportKWh)
	assert.True(t, s.LastReset.Equal(date(2025, 5, 3)))
}

func TestIngestDeltaGoesToNewPeriod(t *testing.T) {
	clock := &fakeClock{now: date(2025, 3, 20)}
	tr := newTracker(t, model.TariffStandard, 1, clock)
	tr.SetLastReset(date(2025, 3, 1))
	tr.MarkRestored()

	tr.IngestImport(sample("1000", clock.Now()), nil)
	tr.IngestImport(sample("1100", clock.Now().Add(time.Hour)), nil)
	assertKWh(t, "100", tr.State().TotalKWh)

	clock.Set(date(2025, 4, 1).Add(time.Hour))
	tr.IngestImport(sample("1104", clock.Now()), nil)
	assertKWh(t, "4", tr.State().TotalKWh)
}
