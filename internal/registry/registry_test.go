// internal/registry/registry_test.go
package registry

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

func newTracker(id string, mode model.TariffMode) *tracker.Tracker {
	return tracker.New(tracker.Config{PremiseID: id, BillingDay: 1, Mode: mode}, zap.NewNop())
}

func dp(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(nil, newTracker("a", model.TariffStandard), newTracker("a", model.TariffTimeOfUse))
	require.Error(t, err)

	_, err = New(nil, newTracker("", model.TariffStandard))
	require.Error(t, err)
}

func TestGetAndIDs(t *testing.T) {
	r, err := New(zap.NewNop(), newTracker("house-b", model.TariffStandard), newTracker("house-a", model.TariffTimeOfUse))
	require.NoError(t, err)

	assert.Equal(t, []string{"house-a", "house-b"}, r.IDs())
	assert.Equal(t, 2, r.Len())

	tr, err := r.Get("house-a")
	require.NoError(t, err)
	assert.Equal(t, model.TariffTimeOfUse, tr.Mode())

	_, err = r.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownPremise))
}

func TestEachCombinesErrors(t *testing.T) {
	r, err := New(nil, newTracker("a", model.TariffStandard), newTracker("b", model.TariffStandard), newTracker("c", model.TariffStandard))
	require.NoError(t, err)

	var visited []string
	err = r.Each(func(tr *tracker.Tracker) error {
		visited = append(visited, tr.PremiseID())
		if tr.PremiseID() != "b" {
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, []string{"a", "b", "c"}, visited)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestApplyOverrideSinglePremise(t *testing.T) {
	a := newTracker("a", model.TariffStandard)
	b := newTracker("b", model.TariffStandard)
	r, err := New(nil, a, b)
	require.NoError(t, err)

	n, err := r.ApplyOverride(model.Override{PremiseID: "a", TotalKWh: dp("42")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, a.State().TotalKWh.Equal(decimal.NewFromInt(42)))
	assert.True(t, b.State().TotalKWh.IsZero())

	_, err = r.ApplyOverride(model.Override{PremiseID: "zzz", TotalKWh: dp("1")})
	assert.ErrorIs(t, err, ErrUnknownPremise)
}

func TestApplyOverrideAllPremises(t *testing.T) {
	a := newTracker("a", model.TariffTimeOfUse)
	b := newTracker("b", model.TariffStandard)
	r, err := New(nil, a, b)
	require.NoError(t, err)

	n, err := r.ApplyOverride(model.Override{NEMBalanceKWh: dp("15"), ExportKWh: dp("200000")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, tr := range []*tracker.Tracker{a, b} {
		s := tr.State()
		assert.True(t, s.NEMBalanceKWh.Equal(decimal.NewFromInt(15)))
		assert.True(t, s.ExportKWh.Equal(tracker.MaxKWh), "override is clamped")
	}
}

func TestApplyOverrideEmpty(t *testing.T) {
	r, err := New(nil, newTracker("a", model.TariffStandard))
	require.NoError(t, err)
	_, err = r.ApplyOverride(model.Override{PremiseID: "a"})
	assert.Error(t, err)
}
