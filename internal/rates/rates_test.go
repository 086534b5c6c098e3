// internal/rates/rates_test.go
package rates

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const minimalDocument = `{
  "tariff_a": {
    "tou": {"tiers": [{"limit": 1500, "peak_rate": 28.52, "offpeak_rate": 24.43}]},
    "tiers": [{"limit": 200, "rate": 21.8}],
    "charges": {"capacity": 4.55, "network": 12.85}
  },
  "afa": {"rates": {"2025-01": -6.5}, "rate": 0.2},
  "eei": {"rate": -0.5}
}`

func TestParseAppliesDefaults(t *testing.T) {
	table, err := Parse([]byte(minimalDocument))
	require.NoError(t, err)
	require.NotNil(t, table.TariffA)

	start, end := table.TariffA.ToU.PeakWindow()
	assert.Equal(t, "14:00", start)
	assert.Equal(t, "22:00", end)
	assert.True(t, table.TariffA.ToU.WeekendOffpeak())

	assert.True(t, table.TariffA.Charges.RetailAmount().Equal(decimal.NewFromInt(10)))
	assert.True(t, table.TariffA.Charges.RetailWaiver().Equal(decimal.NewFromInt(600)))
	assert.True(t, table.AFA.Waiver().Equal(decimal.NewFromInt(600)))
	assert.True(t, table.EEI.Cap().Equal(decimal.NewFromInt(1000)))
	assert.True(t, table.Tax.KWTBB.ThresholdOrDefault().Equal(decimal.NewFromInt(300)))
	assert.True(t, table.Tax.KWTBB.RateOrDefault().Equal(decimal.RequireFromString("1.6")))
	assert.True(t, table.Tax.ServiceTax.ExemptionOrDefault().Equal(decimal.NewFromInt(600)))
	assert.True(t, table.Tax.ServiceTax.RateOrDefault().Equal(decimal.NewFromInt(8)))

	assert.True(t, table.AFA.RateFor("2025-01").Equal(decimal.RequireFromString("-6.5")))
	assert.True(t, table.AFA.RateFor("2030-06").Equal(decimal.RequireFromString("0.2")))
}

func TestParseExplicitZeroOverridesDefault(t *testing.T) {
	table, err := Parse([]byte(`{"tariff_a": {"charges": {"retail": 0, "retail_waiver_limit": 0}}}`))
	require.NoError(t, err)
	assert.True(t, table.TariffA.Charges.RetailAmount().IsZero())
	assert.True(t, table.TariffA.Charges.RetailWaiver().IsZero())
}

func TestParseMissingTariffSection(t *testing.T) {
	table, err := Parse([]byte(`{"afa": {"rate": 1}}`))
	require.NoError(t, err)
	assert.Nil(t, table.TariffA)

	_, err = Parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestHolidayMatchIsExact(t *testing.T) {
	tou := ToU{PublicHolidays: []string{"2025-01-29"}}
	assert.True(t, tou.IsHoliday("2025-01-29"))
	assert.False(t, tou.IsHoliday("2025-1-29"))
	assert.False(t, tou.IsHoliday("2025-01-30"))
}

func TestAccessorKeepsLastGoodSnapshot(t *testing.T) {
	a := NewAccessor()
	assert.Nil(t, a.Snapshot())

	first := &Table{}
	a.Store(first)
	a.Store(nil)
	assert.Same(t, first, a.Snapshot())

	var nilAccessor *Accessor
	assert.Nil(t, nilAccessor.Snapshot())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalDocument), 0o600))

	table, err := LoadFile(path)
	require.NoError(t, err)
	assert.NotNil(t, table.TariffA)
	assert.False(t, table.FetchedAt.IsZero())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestFetcherSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(minimalDocument))
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.URL)
	require.NoError(t, err)

	table, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.NotNil(t, table.TariffA)
	assert.Len(t, table.TariffA.ToU.Tiers, 1)
}

func TestFetcherFailuresAreUpdateFailed(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"non-200", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			f, err := NewFetcher(srv.URL)
			require.NoError(t, err)
			_, err = f.Fetch(context.Background())
			assert.ErrorIs(t, err, ErrUpdateFailed)
		})
	}
}

func TestFetcherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, err := NewFetcher(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = f.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUpdateFailed)
}

func TestNewFetcherRequiresURL(t *testing.T) {
	_, err := NewFetcher("")
	assert.Error(t, err)
}

type stubSource struct {
	mu    sync.Mutex
	calls int
	fail  int
	table *Table
}

func (s *stubSource) Fetch(ctx context.Context) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return nil, errors.New("upstream down")
	}
	return s.table, nil
}

func (s *stubSource) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRefresherRetriesThenStores(t *testing.T) {
	src := &stubSource{fail: 2, table: &Table{}}
	acc := NewAccessor()
	r := NewRefresher(src, acc, zap.NewNop(), time.Hour, time.Second)
	r.initialBackoff = time.Millisecond

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 3, src.Calls())
	assert.Same(t, src.table, acc.Snapshot())
}

func TestRefresherKeepsSnapshotOnFailure(t *testing.T) {
	good := &Table{}
	acc := NewAccessor()
	acc.Store(good)

	src := &stubSource{fail: 1000}
	r := NewRefresher(src, acc, zap.NewNop(), time.Hour, 0)

	err := r.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, src.Calls(), "zero max elapsed disables retries")
	assert.Same(t, good, acc.Snapshot())
}

func TestRefresherRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &stubSource{table: &Table{}}
	acc := NewAccessor()
	r := NewRefresher(src, acc, zap.NewNop(), 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.Calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.NotNil(t, acc.Snapshot())
}

func TestShippedRateDocument(t *testing.T) {
	table, err := LoadFile(filepath.Join("..", "..", "configs", "rates.json"))
	require.NoError(t, err)
	require.NotNil(t, table.TariffA)
	assert.Len(t, table.TariffA.Tiers, 2)
	assert.True(t, table.TariffA.ToU.IsHoliday("2025-12-25"))
	assert.False(t, table.FetchedAt.IsZero())
}
