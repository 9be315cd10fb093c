package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxLabelLen = 64

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	gateDecisions *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	ledgerOps     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mealcredits",
				Name:      "gate_decisions_total",
				Help:      "Entitlement decisions by identity class, path and outcome",
			},
			[]string{"class", "path", "outcome"},
		),
		settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mealcredits",
				Name:      "settlements_total",
				Help:      "Payment webhook deliveries by settlement outcome",
			},
			[]string{"outcome"},
		),
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mealcredits",
				Name:      "ledger_operations_total",
				Help:      "Credit ledger mutations by operation and result",
			},
			[]string{"op", "result"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.gateDecisions,
		m.settlements,
		m.ledgerOps,
	)
	return m
}

func (m *Metrics) GateDecision(class, path, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(sanitizeLabel(class), sanitizeLabel(path), sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) LedgerOp(op, result string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(sanitizeLabel(op), sanitizeLabel(result)).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func sanitizeLabel(s string) string {
	if s == "" {
		return "none"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}
