// Package metrics exposes Prometheus instruments for the trading engine.
//
// Instruments live on a private registry per engine instance so several
// engines can run in one process.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/crossarb/internal/domain"
)

const namespace = "crossarb"

// Metrics implements engine.Recorder.
type Metrics struct {
	reg *prometheus.Registry

	opportunities *prometheus.CounterVec
	trades        *prometheus.CounterVec
	pnl           prometheus.Gauge
	duration      prometheus.Histogram
	inflight      prometheus.Gauge
	breakers      *prometheus.CounterVec
	venueErrors   *prometheus.CounterVec
	drift         *prometheus.CounterVec
}

// New creates the instruments and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opportunities_total",
			Help:      "Scored opportunities by admission result.",
		}, []string{"result"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Finished trades by terminal status.",
		}, []string{"status"}),
		pnl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_usd",
			Help:      "Cumulative realized PnL in quote currency.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Time from admission to terminal state.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_trades",
			Help:      "Trades currently executing.",
		}),
		breakers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"scope", "to"}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "venue_errors_total",
			Help:      "Failed venue calls by venue and error class.",
		}, []string{"venue", "op", "class"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_total",
			Help:      "Balance drifts above tolerance found by reconciliation.",
		}, []string{"venue", "asset"}),
	}
	m.reg.MustRegister(
		m.opportunities, m.trades, m.pnl, m.duration, m.inflight,
		m.breakers, m.venueErrors, m.drift,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Opportunity(result string) {
	m.opportunities.WithLabelValues(result).Inc()
}

func (m *Metrics) TradeFinished(t domain.Trade) {
	m.trades.WithLabelValues(string(t.Status)).Inc()
	pnl, _ := t.RealizedPnL.Float64()
	m.pnl.Add(pnl)
	if d := t.Duration(); d > 0 {
		m.duration.Observe(d.Seconds())
	}
}

func (m *Metrics) InFlight(n int) { m.inflight.Set(float64(n)) }

func (m *Metrics) BreakerTransition(scope string, to domain.BreakerStatus) {
	m.breakers.WithLabelValues(scope, string(to)).Inc()
}

// VenueError counts a failed venue call. Errors that carry no venue are
// labelled "unknown".
func (m *Metrics) VenueError(op string, class domain.ErrorClass, err error) {
	venue := "unknown"
	var ve *domain.VenueError
	if errors.As(err, &ve) {
		venue = ve.Venue
	}
	m.venueErrors.WithLabelValues(venue, op, string(class)).Inc()
}

func (m *Metrics) Drift(venue, asset string) {
	m.drift.WithLabelValues(venue, asset).Inc()
}
