// Package metrics exports settlement and stream activity counters for
// Prometheus. Settlement failures are the one signal that must never be
// invisible: a failed settlement is delivered output that was not billed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the service's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	Settlements       *prometheus.CounterVec
	CreditsCharged    prometheus.Counter
	TokensSettled     prometheus.Counter
	AdmissionsDenied  prometheus.Counter
	SettlementRetries prometheus.Counter
	ActiveStreams     prometheus.Gauge
}

// NewCollector creates and registers all collectors on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditgate",
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome (settled, skipped, failed).",
		}, []string{"outcome"}),
		CreditsCharged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditgate",
			Name:      "credits_charged_total",
			Help:      "Total credits decremented through settlement.",
		}),
		TokensSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditgate",
			Name:      "tokens_settled_total",
			Help:      "Total tokens accounted for in settled entries.",
		}),
		AdmissionsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditgate",
			Name:      "admissions_denied_total",
			Help:      "Requests rejected at the admission check.",
		}),
		SettlementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "creditgate",
			Name:      "settlement_retries_total",
			Help:      "Settlement transaction retries after transient ledger errors.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "creditgate",
			Name:      "active_streams",
			Help:      "Completion streams currently being pumped.",
		}),
	}
	reg.MustRegister(
		c.Settlements,
		c.CreditsCharged,
		c.TokensSettled,
		c.AdmissionsDenied,
		c.SettlementRetries,
		c.ActiveStreams,
	)
	return c
}

// Handler serves the /metrics endpoint for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveSettled records one successful settlement.
func (c *Collector) ObserveSettled(cost, tokens int64) {
	c.Settlements.WithLabelValues("settled").Inc()
	c.CreditsCharged.Add(float64(cost))
	c.TokensSettled.Add(float64(tokens))
}

// ObserveSkipped records a settlement that was a deliberate no-op.
func (c *Collector) ObserveSkipped() {
	c.Settlements.WithLabelValues("skipped").Inc()
}

// ObserveFailed records a settlement lost after retry exhaustion.
func (c *Collector) ObserveFailed() {
	c.Settlements.WithLabelValues("failed").Inc()
}
