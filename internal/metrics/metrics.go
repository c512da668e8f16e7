// Package metrics provides the Prometheus collector threaded through the record core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodestore"

// Outcome labels shared by the counters below.
const (
	OutcomeSuccess   = "success"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
	OutcomeSkipped   = "skipped"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Collector owns a private registry and the core's counters.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	saveAttempts        *prometheus.CounterVec
	saveConflicts       *prometheus.CounterVec
	cacheLookups        *prometheus.CounterVec
	demandLoads         prometheus.Counter
	exclusiveWait       *prometheus.HistogramVec
	exclusiveExecutions *prometheus.CounterVec
}

// NewCollector creates and registers all metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		saveAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "save_attempts_total",
				Help:      "Total number of save attempts by algorithm and outcome",
			},
			[]string{"algorithm", "outcome"},
		),
		saveConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "save_conflicts_total",
				Help:      "Total number of save conflicts by kind",
			},
			[]string{"kind"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolver_cache_lookups_total",
				Help:      "Total number of resolver cache lookups by result",
			},
			[]string{"result"},
		),
		demandLoads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "demand_loads_total",
				Help:      "Total number of demand-loaded property fetches",
			},
		),
		exclusiveWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "exclusive_wait_seconds",
				Help:      "Time spent waiting on exclusive locks",
				Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"policy"},
		),
		exclusiveExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exclusive_executions_total",
				Help:      "Total number of exclusive executions by policy and result",
			},
			[]string{"policy", "result"},
		),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordSaveAttempt counts one save attempt.
func (c *Collector) RecordSaveAttempt(algorithm, outcome string) {
	if c == nil {
		return
	}
	c.saveAttempts.WithLabelValues(algorithm, outcome).Inc()
}

// RecordSaveConflict counts one conflict reported by storage.
func (c *Collector) RecordSaveConflict(kind string) {
	if c == nil {
		return
	}
	c.saveConflicts.WithLabelValues(kind).Inc()
}

// RecordCacheLookup counts a resolver cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordDemandLoad counts one demand-loaded property fetch.
func (c *Collector) RecordDemandLoad() {
	if c == nil {
		return
	}
	c.demandLoads.Inc()
}

// RecordExclusiveExecution records the wait time and result of one executor run.
func (c *Collector) RecordExclusiveExecution(policy, result string, waited time.Duration) {
	if c == nil {
		return
	}
	c.exclusiveWait.WithLabelValues(policy).Observe(waited.Seconds())
	c.exclusiveExecutions.WithLabelValues(policy, result).Inc()
}
