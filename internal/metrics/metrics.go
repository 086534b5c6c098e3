// internal/metrics/metrics.go
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "nem_billing_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	samplesTotal       *prometheus.CounterVec
	rolloversTotal     *prometheus.CounterVec
	rateRefreshTotal   *prometheus.CounterVec
	rateRefreshLatency *prometheus.HistogramVec
	rateSnapshotAge    prometheus.GaugeFunc
	publishTotal       *prometheus.CounterVec
	storeFlushTotal    *prometheus.CounterVec

	lastRateSuccess time.Time
	ageMu           sync.Mutex
)

// Init registers the service metrics with reg, or the default registry when reg is nil.
// Calls after the first are no-ops.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		samplesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "samples_total",
				Help: "Meter samples processed by counter kind and outcome",
			},
			[]string{"kind", "outcome"},
		)
		rolloversTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rollovers_total",
				Help: "Billing-cycle rollovers by NEM balance treatment",
			},
			[]string{"treatment"},
		)
		rateRefreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rate_refresh_total",
				Help: "Rate table refresh attempts by result",
			},
			[]string{"result"},
		)
		rateRefreshLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rate_refresh_latency_seconds",
				Help:    "Rate table refresh latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		rateSnapshotAge = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "rate_snapshot_age_seconds",
				Help: "Seconds since the last successful rate table refresh",
			},
			snapshotAge,
		)
		publishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_total",
				Help: "Events handed to the event stream by topic and result",
			},
			[]string{"topic", "result"},
		)
		storeFlushTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_flush_total",
				Help: "State store flushes by result",
			},
			[]string{"result"},
		)

		reg.MustRegister(
			samplesTotal,
			rolloversTotal,
			rateRefreshTotal,
			rateRefreshLatency,
			rateSnapshotAge,
			publishTotal,
			storeFlushTotal,
		)
	})
}

func snapshotAge() float64 {
	ageMu.Lock()
	defer ageMu.Unlock()
	if lastRateSuccess.IsZero() {
		return 0
	}
	return time.Since(lastRateSuccess).Seconds()
}

// IncSample counts one processed meter sample.
func IncSample(kind, outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if samplesTotal != nil {
		samplesTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// IncRollover counts one billing-cycle rollover.
func IncRollover(forfeited bool) {
	treatment := "carry"
	if forfeited {
		treatment = "forfeit"
	}
	if rolloversTotal != nil {
		rolloversTotal.WithLabelValues(treatment).Inc()
	}
}

// ObserveRateRefresh records one refresh attempt.
func ObserveRateRefresh(err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	} else {
		ageMu.Lock()
		lastRateSuccess = time.Now()
		ageMu.Unlock()
	}
	if rateRefreshTotal != nil {
		rateRefreshTotal.WithLabelValues(result).Inc()
	}
	if rateRefreshLatency != nil {
		rateRefreshLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncPublish counts one event handed to (or dropped before) the producer.
func IncPublish(topic, result string) {
	if result == "" {
		result = resultSuccess
	}
	if publishTotal != nil {
		publishTotal.WithLabelValues(topic, result).Inc()
	}
}

// ObserveStoreFlush counts one store flush.
func ObserveStoreFlush(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if storeFlushTotal != nil {
		storeFlushTotal.WithLabelValues(result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)
