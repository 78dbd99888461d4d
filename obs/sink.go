// Package obs holds the observability collaborators: the metrics sink
// abstraction, the alerter, and the error-storm circuit breaker.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives the engine's observability signals. Implementations must be
// safe for concurrent use.
type Sink interface {
	SetEdge(symbol string, edge float64)
	SetCycleLatencyMs(symbol string, ms float64)
	SetPositionSize(symbol string, size float64)
	SetOrdersActive(symbol string, active bool)
	SetRealizedPnL(symbol string, pnl float64)
	SetUnrealizedPnL(symbol string, pnl float64)
	IncError(kind string)
	IncReconnect()
	IncRiskViolation(kind string)
}

// NopSink discards every signal.
type NopSink struct{}

func (NopSink) SetEdge(string, float64)           {}
func (NopSink) SetCycleLatencyMs(string, float64) {}
func (NopSink) SetPositionSize(string, float64)   {}
func (NopSink) SetOrdersActive(string, bool)      {}
func (NopSink) SetRealizedPnL(string, float64)    {}
func (NopSink) SetUnrealizedPnL(string, float64)  {}
func (NopSink) IncError(string)                   {}
func (NopSink) IncReconnect()                     {}
func (NopSink) IncRiskViolation(string)           {}

// PromSink publishes signals as Prometheus gauges and counters.
type PromSink struct {
	registry *prometheus.Registry

	edge         *prometheus.GaugeVec
	cycleLatency *prometheus.GaugeVec
	positionSize *prometheus.GaugeVec
	ordersActive *prometheus.GaugeVec
	pnlTotal     *prometheus.GaugeVec
	pnlUnreal    *prometheus.GaugeVec
	errors       *prometheus.CounterVec
	reconnects   prometheus.Counter
	violations   *prometheus.CounterVec
}

// NewPromSink builds a sink backed by its own registry.
func NewPromSink() *PromSink {
	s := &PromSink{
		registry: prometheus.NewRegistry(),
		edge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "trading_edge", Help: "Edge before entry"}, []string{"sym"}),
		cycleLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "cycle_latency_ms", Help: "Loop latency ms"}, []string{"sym"}),
		positionSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "position_size", Help: "Position size"}, []string{"sym"}),
		ordersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "orders_active", Help: "Active orders flag"}, []string{"sym"}),
		pnlTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pnl_total", Help: "Realized PnL"}, []string{"sym"}),
		pnlUnreal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "pnl_unreal", Help: "Unrealized PnL"}, []string{"sym"}),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "error_total", Help: "Total errors"}, []string{"type"}),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WebSocket reconnects"}),
		violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "risk_violations_total", Help: "Risk limit violations"}, []string{"kind"}),
	}
	s.registry.MustRegister(
		s.edge, s.cycleLatency, s.positionSize, s.ordersActive,
		s.pnlTotal, s.pnlUnreal, s.errors, s.reconnects, s.violations,
	)
	return s
}

// Registry exposes the backing registry for the /metrics handler.
func (s *PromSink) Registry() *prometheus.Registry { return s.registry }

func (s *PromSink) SetEdge(sym string, edge float64) { s.edge.WithLabelValues(sym).Set(edge) }

func (s *PromSink) SetCycleLatencyMs(sym string, ms float64) {
	s.cycleLatency.WithLabelValues(sym).Set(ms)
}

func (s *PromSink) SetPositionSize(sym string, size float64) {
	s.positionSize.WithLabelValues(sym).Set(size)
}

func (s *PromSink) SetOrdersActive(sym string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	s.ordersActive.WithLabelValues(sym).Set(v)
}

func (s *PromSink) SetRealizedPnL(sym string, pnl float64) { s.pnlTotal.WithLabelValues(sym).Set(pnl) }

func (s *PromSink) SetUnrealizedPnL(sym string, pnl float64) {
	s.pnlUnreal.WithLabelValues(sym).Set(pnl)
}

func (s *PromSink) IncError(kind string) { s.errors.WithLabelValues(kind).Inc() }

func (s *PromSink) IncReconnect() { s.reconnects.Inc() }

func (s *PromSink) IncRiskViolation(kind string) { s.violations.WithLabelValues(kind).Inc() }
