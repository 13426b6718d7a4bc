// Package observability provides Prometheus metrics for backtest runs.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"trendlab/internal/domain"
	"trendlab/internal/engine"
)

// Compile-time interface check.
var _ engine.Recorder = (*Metrics)(nil)

// Metrics holds the run metrics on a private registry, so several
// instances can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	SessionsProcessed prometheus.Counter
	TradesClosed      *prometheus.CounterVec
	TradeRMultiple    prometheus.Histogram
	Diagnostics       *prometheus.CounterVec
	LastEquity        prometheus.Gauge

	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "trendlab"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		SessionsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "sessions_processed_total",
			Help:      "Total number of sessions replayed",
		}),
		TradesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trades_closed_total",
			Help:      "Total number of closed trades by exit reason",
		}, []string{"reason"}),
		TradeRMultiple: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trade_r_multiple",
			Help:      "Distribution of closed-trade R multiples",
			Buckets:   []float64{-3, -2, -1, -0.5, 0, 0.5, 1, 2, 3, 5, 10},
		}),
		Diagnostics: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "diagnostics_total",
			Help:      "Total number of run diagnostics by kind",
		}, []string{"kind"}),
		LastEquity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "last_equity",
			Help:      "Equity after the most recently processed session",
		}),

		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by status",
		}, []string{"status"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of backtest runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

// Registry returns the private registry, e.g. for promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SessionProcessed implements engine.Recorder.
func (m *Metrics) SessionProcessed(p domain.EquityPoint) {
	m.SessionsProcessed.Inc()
	m.LastEquity.Set(p.Equity.InexactFloat64())
}

// TradeClosed implements engine.Recorder.
func (m *Metrics) TradeClosed(t domain.TradeRecord) {
	m.TradesClosed.WithLabelValues(string(t.ExitReason)).Inc()
	if t.InitialRisk.IsPositive() {
		m.TradeRMultiple.Observe(t.RMultiple)
	}
}

// Diagnosed implements engine.Recorder.
func (m *Metrics) Diagnosed(d engine.Diagnostic) {
	m.Diagnostics.WithLabelValues(string(d.Kind)).Inc()
}

// Run statuses.
const (
	StatusOK       = "ok"
	StatusCanceled = "canceled"
	StatusFailed   = "failed"
)

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes the current values in the node-exporter textfile
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
