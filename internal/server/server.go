// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/deannos/nem-billing-pipeline/internal/config"
	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
	"github.com/deannos/nem-billing-pipeline/internal/registry"
	"github.com/deannos/nem-billing-pipeline/internal/tracker"
)

// Premises is the premise lookup the HTTP API needs.
type Premises interface {
	Get(premiseID string) (*tracker.Tracker, error)
	ApplyOverride(o model.Override) (int, error)
}

// RateSource yields the current rate table, or nil before the first successful load.
type RateSource interface {
	Snapshot() *rates.Table
}

// HTTPServer exposes sample ingestion, state, bill and override endpoints.
type HTTPServer struct {
	server      *http.Server
	config      *config.Config
	premises    Premises
	rates       RateSource
	rateLimiter *rate.Limiter
	shutdownWg  sync.WaitGroup
	logger      *zap.Logger
}

// NewHTTPServer creates a new HTTPServer instance.
func NewHTTPServer(cfg *config.Config, premises Premises, rateSource RateSource, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	perSecond := cfg.API.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 100
	}
	// Burst of 2x the rate.
	limiter := rate.NewLimiter(rate.Limit(perSecond), perSecond*2)

	mux := http.NewServeMux()
	srv := &HTTPServer{
		config:      cfg,
		premises:    premises,
		rates:       rateSource,
		rateLimiter: limiter,
		logger:      logger,
	}

	srv.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	mux.HandleFunc("POST /api/v1/premises/{id}/samples/{kind}", srv.limited(srv.handleSample))
	mux.HandleFunc("GET /api/v1/premises/{id}/state", srv.limited(srv.handleState))
	mux.HandleFunc("GET /api/v1/premises/{id}/bill", srv.limited(srv.handleBill))
	mux.HandleFunc("POST /api/v1/energy-values", srv.limited(srv.handleEnergyValues))
	mux.HandleFunc("GET /health", srv.handleHealthCheck)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.Handler())
	}

	return srv
}

// Handler is the routed handler, for embedding and tests.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// Start binds the port and serves in the background.
func (s *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.logger.Info("HTTP server starting", zap.Int("port", s.config.Server.Port))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	err := s.server.Shutdown(ctx)
	s.shutdownWg.Wait()
	s.logger.Info("HTTP server stopped.")
	return err
}

func (s *HTTPServer) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow() {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *HTTPServer) lookup(w http.ResponseWriter, r *http.Request) (*tracker.Tracker, bool) {
	t, err := s.premises.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownPremise) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, false
	}
	return t, true
}

type sampleResponse struct {
	PremiseID string          `json:"premise_id"`
	Kind      string          `json:"kind"`
	Outcome   tracker.Outcome `json:"outcome"`
	Changed   bool            `json:"changed"`
}

// handleSample handles POST /api/v1/premises/{id}/samples/{import|export}.
func (s *HTTPServer) handleSample(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	if kind != "import" && kind != "export" {
		http.Error(w, fmt.Sprintf("unknown counter %q", kind), http.StatusNotFound)
		return
	}
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()

	// A null or missing value is a sentinel state and is ignored by the tracker.
	var sample model.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON payload: %v", err), http.StatusBadRequest)
		return
	}

	var outcome tracker.Outcome
	if kind == "import" {
		outcome = t.IngestImport(sample, s.rates.Snapshot())
	} else {
		outcome = t.IngestExport(sample)
	}
	writeJSON(w, http.StatusOK, sampleResponse{
		PremiseID: t.PremiseID(),
		Kind:      kind,
		Outcome:   outcome,
		Changed:   outcome.Changed(),
	}, s.logger)
}

type stateResponse struct {
	PremiseID  string            `json:"premise_id"`
	TariffMode model.TariffMode  `json:"tariff_mode"`
	BillingDay int               `json:"billing_day"`
	Restored   bool              `json:"restored"`
	Energy     model.EnergyState `json:"energy"`
}

// handleState handles GET /api/v1/premises/{id}/state.
func (s *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{
		PremiseID:  t.PremiseID(),
		TariffMode: t.Mode(),
		BillingDay: t.BillingDay(),
		Restored:   t.IsRestored(),
		Energy:     t.State(),
	}, s.logger)
}

type billResponse struct {
	PremiseID      string            `json:"premise_id"`
	Available      bool              `json:"available"`
	Components     *model.Components `json:"components,omitempty"`
	RatesFetchedAt *time.Time        `json:"rates_fetched_at,omitempty"`
}

// handleBill handles GET /api/v1/premises/{id}/bill. Until the premise is restored and a
// rate table is loaded the bill is reported as unavailable.
func (s *HTTPServer) handleBill(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	resp := billResponse{PremiseID: t.PremiseID()}
	table := s.rates.Snapshot()
	if c, available := t.Bill(table); available {
		rounded := c.Rounded(2)
		resp.Available = true
		resp.Components = &rounded
		if !table.FetchedAt.IsZero() {
			fetched := table.FetchedAt
			resp.RatesFetchedAt = &fetched
		}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

// handleEnergyValues handles POST /api/v1/energy-values, the manual override.
func (s *HTTPServer) handleEnergyValues(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var o model.Override
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON payload: %v", err), http.StatusBadRequest)
		return
	}
	if o.IsEmpty() {
		http.Error(w, "No values provided in the request", http.StatusBadRequest)
		return
	}
	n, err := s.premises.ApplyOverride(o)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrUnknownPremise) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.logger.Info("Energy values overridden",
		zap.String("premise_id", o.PremiseID),
		zap.Int("premises", n),
	)
	writeJSON(w, http.StatusOK, map[string]int{"updated": n}, s.logger)
}

// handleHealthCheck handles GET /health.
func (s *HTTPServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"rates_ready": s.rates.Snapshot() != nil,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Error encoding response", zap.Error(err))
	}
}
