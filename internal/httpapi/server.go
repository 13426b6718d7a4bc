// Package httpapi serves backtest results and stored bars as JSON for
// dashboards, plus the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trendlab/internal/api"
	"trendlab/internal/config"
	"trendlab/internal/domain"
	"trendlab/internal/engine"
	"trendlab/internal/store"
)

// Bar is the JSON form of one stored bar.
type Bar struct {
	Time   int64   `json:"time"` // unix milliseconds
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// ResultsServer serves the results HTTP API.
type ResultsServer struct {
	svc  *api.Service
	bars store.BarReader
	reg  *prometheus.Registry
	log  *slog.Logger
}

// NewResultsServer creates a ResultsServer. bars and reg may be nil, which
// disables the bar and metrics routes.
func NewResultsServer(svc *api.Service, bars store.BarReader, reg *prometheus.Registry, log *slog.Logger) *ResultsServer {
	if log == nil {
		log = slog.Default()
	}
	return &ResultsServer{svc: svc, bars: bars, reg: reg, log: log}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *ResultsServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{id}/trades", s.handleTrades)
	mux.HandleFunc("GET /api/runs/{id}/equity", s.handleEquity)
	mux.HandleFunc("POST /api/recipes/{name}/run", s.handleRunRecipe)
	if s.bars != nil {
		mux.HandleFunc("GET /api/bars/{symbol}", s.handleBars)
	}
	if s.reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *ResultsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *ResultsServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeErr maps a service error to an HTTP status.
func (s *ResultsServer) writeErr(w http.ResponseWriter, err error) {
	var cfgErr *engine.ConfigError
	var gapErr *store.DataGapError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, config.ErrRecipeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cfgErr), errors.As(err, &gapErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, api.ErrRunnerDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *ResultsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *ResultsServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.svc.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"runs": runs})
}

func (s *ResultsServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, run)
}

func (s *ResultsServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	trades := run.Trades
	if sym := strings.ToUpper(r.URL.Query().Get("symbol")); sym != "" {
		trades = trades[:0:0]
		for _, t := range run.Trades {
			if t.Symbol == sym {
				trades = append(trades, t)
			}
		}
	}
	writeJSON(w, map[string]any{"trades": trades})
}

func (s *ResultsServer) handleEquity(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, map[string]any{"equity": run.Equity})
}

func (s *ResultsServer) handleRunRecipe(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.RunRecipe(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

// handleBars returns daily bars for a symbol between the start and end
// query dates (YYYY-MM-DD, both optional).
func (s *ResultsServer) handleBars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := time.Time{}, time.Now().UTC()
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.DateOnly, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start date")
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.DateOnly, v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end date")
			return
		}
	}
	tf := domain.Timeframe(q.Get("timeframe"))
	if tf == "" {
		tf = domain.TimeframeDaily
	}

	bars, err := s.bars.ReadBars(r.Context(), r.PathValue("symbol"), tf, start, end)
	var gapErr *store.DataGapError
	if errors.As(err, &gapErr) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	out := make([]Bar, len(bars))
	for i, b := range bars {
		out[i] = Bar{Time: b.Timestamp.UnixMilli(), Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	writeJSON(w, map[string]any{"symbol": strings.ToUpper(r.PathValue("symbol")), "bars": out})
}
