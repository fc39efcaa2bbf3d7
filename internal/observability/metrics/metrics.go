// Package metrics exposes the agent's prometheus collectors. A Metrics value
// satisfies the recorder interfaces of the router, push, agent and clients
// packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vigil_agent"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	routes          *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	networkFailures *prometheus.CounterVec
	events          *prometheus.CounterVec
	installs        *prometheus.CounterVec
	activations     prometheus.Counter
	shown           prometheus.Counter
	clicks          *prometheus.CounterVec
	clients         prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Intercepted requests by routing strategy and response source.",
		}, []string{"strategy", "source"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache put attempts by result.",
		}, []string{"result"}),
		networkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_failures_total",
			Help:      "Upstream fetch failures by routing strategy.",
		}, []string{"strategy"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Dispatched events by kind and outcome.",
		}, []string{"kind", "outcome"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installs_total",
			Help:      "Generation install attempts by result.",
		}, []string{"result"}),
		activations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Successful generation activations.",
		}),
		shown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_shown_total",
			Help:      "Notifications displayed from push messages.",
		}),
		clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_clicks_total",
			Help:      "Notification clicks by resulting action.",
		}, []string{"action"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Pages currently connected over websocket.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.routes, m.cacheWrites, m.networkFailures,
		m.events, m.installs, m.activations,
		m.shown, m.clicks, m.clients,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRoute(strategy, source string) {
	m.routes.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) RecordCacheWrite(result string) {
	m.cacheWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordNetworkFailure(strategy string) {
	m.networkFailures.WithLabelValues(strategy).Inc()
}

func (m *Metrics) RecordEvent(kind, outcome string) {
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordInstall(result string) {
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordActivation() { m.activations.Inc() }

func (m *Metrics) RecordNotificationShown() { m.shown.Inc() }

func (m *Metrics) RecordClick(action string) {
	m.clicks.WithLabelValues(action).Inc()
}

// SetConnectedClients sets the connected page gauge.
func (m *Metrics) SetConnectedClients(n int) { m.clients.Set(float64(n)) }
