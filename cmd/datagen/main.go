// cmd/datagen/main.go
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/deannos/nem-billing-pipeline/internal/model"
)

// GenConfig configures the meter simulator.
type GenConfig struct {
	BaseURL         string
	Premises        []string
	SamplesPerMeter int
	Interval        time.Duration
	GlitchRate      float64
	ResetRate       float64
	DuplicateRate   float64
	UnavailableRate float64
}

// meter simulates one cumulative kWh counter as a host would report it.
type meter struct {
	kind     string
	value    decimal.Decimal
	previous *model.Reading
	at       time.Time
	rng      *rand.Rand
}

func newMeter(kind string, start float64, rng *rand.Rand) *meter {
	return &meter{kind: kind, value: decimal.NewFromFloat(start).Round(3), at: time.Now().UTC(), rng: rng}
}

// next produces the next sample and a label for the scenario it exercises.
func (m *meter) next(cfg GenConfig) (model.Sample, string) {
	roll := m.rng.Float64()
	switch {
	case roll < cfg.DuplicateRate:
		// Same timestamp as the last sample.
		return model.Sample{Value: model.Reading(m.value.String()), Previous: m.previous, Timestamp: m.at}, "duplicate"
	case roll < cfg.DuplicateRate+cfg.UnavailableRate:
		m.at = m.at.Add(cfg.Interval)
		unavailable := model.Reading(model.StateUnavailable)
		s := model.Sample{Value: unavailable, Previous: m.previous, Timestamp: m.at}
		m.previous = &unavailable
		return s, "unavailable"
	}

	m.at = m.at.Add(cfg.Interval)
	label := "normal"
	var reported decimal.Decimal
	roll -= cfg.DuplicateRate + cfg.UnavailableRate
	switch {
	case roll < cfg.ResetRate:
		m.value = decimal.NewFromFloat(m.rng.Float64() * 5).Round(3)
		reported = m.value
		label = "reset"
	case roll < cfg.ResetRate+cfg.GlitchRate && m.value.GreaterThan(decimal.NewFromInt(50)):
		// A transient drop the tracker must discard; the real counter keeps going.
		reported = m.value.Sub(decimal.NewFromInt(20 + m.rng.Int63n(20)))
		return model.Sample{Value: model.Reading(reported.String()), Previous: m.previous, Timestamp: m.at}, "glitch"
	default:
		m.value = m.value.Add(decimal.NewFromFloat(m.rng.Float64() * 0.8).Round(3))
		reported = m.value
	}

	r := model.Reading(reported.String())
	s := model.Sample{Value: r, Previous: m.previous, Timestamp: m.at}
	m.previous = &r
	return s, label
}

// clientWorker feeds one premise's import and export meters to the service.
func clientWorker(premiseID string, cfg GenConfig, wg *sync.WaitGroup, results chan<- string) {
	defer wg.Done()

	client := &http.Client{Timeout: 30 * time.Second}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	meters := []*meter{
		newMeter("import", 1000+rng.Float64()*5000, rng),
		newMeter("export", 200+rng.Float64()*2000, rng),
	}
	runID := uuid.NewString()

	for i := 0; i < cfg.SamplesPerMeter; i++ {
		for _, m := range meters {
			sample, label := m.next(cfg)
			payload, err := json.Marshal(sample)
			if err != nil {
				results <- fmt.Sprintf("Premise %s: JSON marshal error: %v", premiseID, err)
				continue
			}

			url := fmt.Sprintf("%s/api/v1/premises/%s/samples/%s", strings.TrimRight(cfg.BaseURL, "/"), premiseID, m.kind)
			req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(payload))
			if err != nil {
				results <- fmt.Sprintf("Premise %s: Error creating request: %v", premiseID, err)
				continue
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Request-ID", uuid.NewString())
			req.Header.Set("X-Run-ID", runID)

			resp, err := client.Do(req)
			if err != nil {
				results <- fmt.Sprintf("Premise %s: HTTP request error: %v", premiseID, err)
				continue
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				results <- fmt.Sprintf("Premise %s %s [%s]: Success (%d) %s", premiseID, m.kind, label, resp.StatusCode, strings.TrimSpace(string(body)))
			} else {
				results <- fmt.Sprintf("Premise %s %s [%s]: Failed (%d) - Response: %s", premiseID, m.kind, label, resp.StatusCode, string(body))
			}
		}
		if cfg.Interval > 0 {
			time.Sleep(cfg.Interval)
		}
	}
}

func main() {
	var (
		cfg      GenConfig
		premises string
	)
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "Base URL of the billing service")
	flag.StringVar(&premises, "premises", "house-a", "Comma-separated premise ids")
	flag.IntVar(&cfg.SamplesPerMeter, "samples", 100, "Samples per meter")
	flag.DurationVar(&cfg.Interval, "interval", 100*time.Millisecond, "Delay between samples")
	flag.Float64Var(&cfg.GlitchRate, "glitch-rate", 0.02, "Probability of a transient counter drop")
	flag.Float64Var(&cfg.ResetRate, "reset-rate", 0.01, "Probability of a counter restart")
	flag.Float64Var(&cfg.DuplicateRate, "duplicate-rate", 0.03, "Probability of a repeated timestamp")
	flag.Float64Var(&cfg.UnavailableRate, "unavailable-rate", 0.02, "Probability of an unavailable state")
	flag.Parse()

	for _, p := range strings.Split(premises, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Premises = append(cfg.Premises, p)
		}
	}

	fmt.Printf("Starting meter simulator with config:\n")
	fmt.Printf("  Base URL: %s\n", cfg.BaseURL)
	fmt.Printf("  Premises: %s\n", strings.Join(cfg.Premises, ", "))
	fmt.Printf("  Samples/Meter: %d\n", cfg.SamplesPerMeter)
	fmt.Printf("  Interval: %s\n", cfg.Interval)
	fmt.Println("-------------------------------------")

	startTime := time.Now()
	var wg sync.WaitGroup
	results := make(chan string, len(cfg.Premises)*2*cfg.SamplesPerMeter)

	for _, p := range cfg.Premises {
		wg.Add(1)
		go clientWorker(p, cfg, &wg, results)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var successCount, failureCount int
	for res := range results {
		fmt.Println(res)
		if strings.Contains(res, "Success (") {
			successCount++
		} else {
			failureCount++
		}
	}

	duration := time.Since(startTime)
	fmt.Println("-------------------------------------")
	fmt.Printf("Simulation finished.\n")
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("Successful Samples: %d\n", successCount)
	fmt.Printf("Failed Samples: %d\n", failureCount)
	if duration.Seconds() > 0 {
		fmt.Printf("Approximate Throughput: %.2f samples/sec\n", float64(successCount+failureCount)/duration.Seconds())
	}
}
