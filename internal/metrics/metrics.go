// Package metrics exposes the budget meter as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/frost-solutions/nightmeter/internal/meter"
	"github.com/frost-solutions/nightmeter/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nightmeter"

// Collector records spend activity and the current budget position. It
// implements meter.Observer.
//
// Metrics:
//   - nightmeter_spend_checks_total: checks by kind and result
//   - nightmeter_spend_sek_total: committed cost by kind
//   - nightmeter_threshold_crossings_total: warnings by label
//   - nightmeter_resets_total: ledger resets
//   - nightmeter_budget_spent_sek, _max_sek, _usage_ratio: current position
//   - nightmeter_kind_spent_sek: current per-kind spend
//   - nightmeter_steps: committed steps in the current ledger
type Collector struct {
	registry *prometheus.Registry

	checks     *prometheus.CounterVec
	spent      *prometheus.CounterVec
	thresholds *prometheus.CounterVec
	resets     prometheus.Counter

	total     prometheus.Gauge
	max       prometheus.Gauge
	usage     prometheus.Gauge
	kindSpent *prometheus.GaugeVec
	steps     prometheus.Gauge
}

var _ meter.Observer = (*Collector)(nil)

// New creates a collector registered on its own registry, together with the
// Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_checks_total",
				Help:      "Spend checks by call kind and result",
			},
			[]string{"kind", "result"},
		),
		spent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spend_sek_total",
				Help:      "Committed cost in SEK by call kind",
			},
			[]string{"kind"},
		),
		thresholds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "threshold_crossings_total",
				Help:      "Budget warning thresholds crossed",
			},
			[]string{"label"},
		),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Budget meter resets",
		}),

		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "spent_sek",
			Help:      "Total SEK committed in the current ledger",
		}),
		max: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "max_sek",
			Help:      "Configured nightly cap in SEK",
		}),
		usage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "usage_ratio",
			Help:      "Spent divided by the nightly cap (0.0-1.0)",
		}),
		kindSpent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kind_spent_sek",
				Help:      "SEK committed per call kind in the current ledger",
			},
			[]string{"kind"},
		),
		steps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps",
			Help:      "Committed steps in the current ledger",
		}),
	}

	c.registry.MustRegister(
		c.checks,
		c.spent,
		c.thresholds,
		c.resets,
		c.total,
		c.max,
		c.usage,
		c.kindSpent,
		c.steps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Granted records a committed charge and refreshes the position gauges.
func (c *Collector) Granted(step model.Step, l model.Ledger, max float64) {
	c.checks.WithLabelValues(step.Kind, "granted").Inc()
	c.spent.WithLabelValues(step.Kind).Add(step.Cost)
	c.setPosition(l, max)
}

// Denied records a rejected check.
func (c *Collector) Denied(kind string, reason meter.DenyReason, _ float64) {
	c.checks.WithLabelValues(kind, "denied_"+string(reason)).Inc()
}

// Threshold records a newly crossed warning threshold.
func (c *Collector) Threshold(label string, _ float64) {
	c.thresholds.WithLabelValues(label).Inc()
}

// Reset records a ledger reset and zeroes the position gauges.
func (c *Collector) Reset(l model.Ledger) {
	c.resets.Inc()
	c.kindSpent.Reset()
	c.total.Set(l.Total)
	c.usage.Set(0)
	c.steps.Set(float64(len(l.Steps)))
}

// ObserveSummary sets the position gauges from a summary snapshot.
func (c *Collector) ObserveSummary(s meter.Summary) {
	c.max.Set(s.Max)
	c.total.Set(s.Total)
	if s.Max > 0 {
		c.usage.Set(s.Total / s.Max)
	}
	c.steps.Set(float64(len(s.Steps)))
	c.kindSpent.Reset()
	for kind, v := range s.By {
		c.kindSpent.WithLabelValues(kind).Set(v)
	}
}

func (c *Collector) setPosition(l model.Ledger, max float64) {
	c.max.Set(max)
	c.total.Set(l.Total)
	if max > 0 {
		c.usage.Set(l.Total / max)
	}
	c.steps.Set(float64(len(l.Steps)))
	for kind, v := range l.By {
		c.kindSpent.WithLabelValues(kind).Set(v)
	}
}
