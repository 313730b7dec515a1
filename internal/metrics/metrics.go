// Package metrics exposes polling engine counters to prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cawatch"

// Metrics holds the collectors for every job. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	polls         *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	poolSize      *prometheus.GaugeVec
	interval      *prometheus.GaugeVec
	running       *prometheus.GaugeVec
	addresses     *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Successful fetches of the monitored target",
		}, []string{"owner", "provider"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed fetches by error class",
		}, []string{"owner", "class"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_evictions_total",
			Help:      "Workers removed from a running pool",
		}, []string{"owner"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Workers currently in rotation",
		}, []string{"owner"}),
		interval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_interval_seconds",
			Help:      "Effective polling interval",
		}, []string{"owner"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while the owner's job is running",
		}, []string{"owner"}),
		addresses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_found_total",
			Help:      "Contract addresses extracted from new posts",
		}, []string{"owner", "chain"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alert deliveries by result",
		}, []string{"owner", "result"}),
	}
	m.registry.MustRegister(
		m.polls, m.fetchErrors, m.evictions, m.poolSize,
		m.interval, m.running, m.addresses, m.notifications,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Poll(owner, provider string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(owner, provider).Inc()
}

func (m *Metrics) FetchError(owner, class string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(owner, class).Inc()
}

func (m *Metrics) Evicted(owner string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(owner).Inc()
}

// Pool records the pool size and effective interval after a change.
func (m *Metrics) Pool(owner string, size int, intervalSeconds float64) {
	if m == nil {
		return
	}
	m.poolSize.WithLabelValues(owner).Set(float64(size))
	m.interval.WithLabelValues(owner).Set(intervalSeconds)
}

func (m *Metrics) Running(owner string, running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.running.WithLabelValues(owner).Set(v)
}

func (m *Metrics) Address(owner, chain string) {
	if m == nil {
		return
	}
	m.addresses.WithLabelValues(owner, chain).Inc()
}

// Notified counts a delivery; err selects the "error" result label.
func (m *Metrics) Notified(owner string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.notifications.WithLabelValues(owner, result).Inc()
}
