// Package metrics exposes Prometheus counters for the auth runtime.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records auth runtime metrics. It satisfies the recorder
// interfaces of the identity, deeplink, authstate and keepalive packages.
type Collector struct {
	refreshes   *prometheus.CounterVec
	deepLinks   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	authErrors  *prometheus.CounterVec
	published   *prometheus.CounterVec
	httpLatency *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers it with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picala_session_refresh_total",
			Help: "Session refresh attempts by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		deepLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picala_deeplink_total",
			Help: "Handled deep links by kind and outcome",
		}, []string{"kind", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picala_auth_transitions_total",
			Help: "Authentication state transitions",
		}, []string{"state"}),
		authErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picala_auth_errors_total",
			Help: "Normalized identity errors by code",
		}, []string{"code"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "picala_events_published_total",
			Help: "Auth events published to the message bus",
		}, []string{"type", "outcome"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "picala_http_request_duration_seconds",
			Help:    "Daemon API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		c.refreshes,
		c.deepLinks,
		c.transitions,
		c.authErrors,
		c.published,
		c.httpLatency,
	)
	return c
}

func (c *Collector) RecordSessionRefresh(trigger, outcome string) {
	c.refreshes.WithLabelValues(trigger, outcome).Inc()
}

func (c *Collector) RecordDeepLink(kind, outcome string) {
	c.deepLinks.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) RecordAuthTransition(state string) {
	c.transitions.WithLabelValues(state).Inc()
}

func (c *Collector) RecordAuthError(code string) {
	c.authErrors.WithLabelValues(code).Inc()
}

func (c *Collector) RecordEventPublished(eventType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.published.WithLabelValues(eventType, outcome).Inc()
}

// RecordHTTPRequest observes one daemon request
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	c.httpLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
