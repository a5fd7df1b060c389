package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vanish"

// Collectors groups every metric the relay exports. Each instance owns its
// registry so tests can build independent sets.
type Collectors struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ThreadsCreated     prometheus.Counter
	ThreadsDeleted     *prometheus.CounterVec
	MessagesRelayed    prometheus.Counter
	OpenConnections    prometheus.Gauge
	EvictedSubscribers prometheus.Counter
}

func New() *Collectors {
	registry := prometheus.NewRegistry()
	c := &Collectors{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests"},
			[]string{"route", "method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Request duration seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		ThreadsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "threads_created_total", Help: "Threads created through the control plane"},
		),
		ThreadsDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "threads_deleted_total", Help: "Threads destroyed, by reason"},
			[]string{"reason"},
		),
		MessagesRelayed: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "messages_relayed_total", Help: "Ciphertext messages accepted and broadcast"},
		),
		OpenConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_connections", Help: "Open realtime connections"},
		),
		EvictedSubscribers: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: namespace, Name: "realtime_evictions_total", Help: "Connections dropped because their send buffer was full"},
		),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.RequestsTotal,
		c.RequestDuration,
		c.ThreadsCreated,
		c.ThreadsDeleted,
		c.MessagesRelayed,
		c.OpenConnections,
		c.EvictedSubscribers,
	)
	return c
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) ThreadCreated() {
	c.ThreadsCreated.Inc()
}

func (c *Collectors) ThreadDeleted(reason string) {
	c.ThreadsDeleted.WithLabelValues(reason).Inc()
}

func (c *Collectors) MessageRelayed() {
	c.MessagesRelayed.Inc()
}

func (c *Collectors) ConnectionOpened() {
	c.OpenConnections.Inc()
}

func (c *Collectors) ConnectionClosed() {
	c.OpenConnections.Dec()
}

func (c *Collectors) SubscriberEvicted() {
	c.EvictedSubscribers.Inc()
}
