// Package metrics holds the prometheus instruments shared by the responder
// and the updater. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics type
type Metrics struct {
	queries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	upstream  prometheus.Histogram
	entries   prometheus.Gauge
	reconcile *prometheus.CounterVec
	cache     *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dohsink_queries_total",
				Help: "How many DNS queries processed, by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dohsink_query_duration_seconds",
				Help:    "Time spent answering a DNS query, by outcome",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		),
		upstream: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dohsink_upstream_duration_seconds",
				Help:    "Round trip time to the upstream resolver",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		entries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dohsink_denylist_entries",
				Help: "Entries of the loaded deny-list",
			},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dohsink_reconcile_total",
				Help: "Deny-list reconcile runs, by result",
			},
			[]string{"result"},
		),
		cache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dohsink_cache_lookups_total",
				Help: "Response cache lookups, by hit or miss",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.queries, m.duration, m.upstream, m.entries, m.reconcile, m.cache)

	return m
}

// ObserveQuery records one answered query.
func (m *Metrics) ObserveQuery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveUpstream records one upstream round trip.
func (m *Metrics) ObserveUpstream(d time.Duration) {
	if m == nil {
		return
	}
	m.upstream.Observe(d.Seconds())
}

// SetEntries records the size of the loaded deny-list.
func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(n))
}

// ObserveReconcile records one reconcile run.
func (m *Metrics) ObserveReconcile(result string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(result).Inc()
}

// ObserveCache records one cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cache.WithLabelValues("hit").Inc()
		return
	}
	m.cache.WithLabelValues("miss").Inc()
}
