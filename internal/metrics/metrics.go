// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream connectivity and reconnect counts
//   - Upstream request outcomes
//   - Open client connections and tracked subscriptions
//   - Notification forwarding and drop counts
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the proxy. A nil *Metrics
// is valid and records nothing, which keeps metrics optional in tests.
type Metrics struct {
	UpstreamConnected      prometheus.Gauge
	UpstreamReconnects     prometheus.Counter
	UpstreamRequests       *prometheus.CounterVec
	ClientConnections      prometheus.Gauge
	ActiveSubscriptions    prometheus.Gauge
	NotificationsForwarded prometheus.Counter
	NotificationsDropped   prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		UpstreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsproxy_upstream_connected",
			Help: "1 while the upstream websocket is open, 0 otherwise.",
		}),
		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsproxy_upstream_connects_total",
			Help: "Successful upstream connection establishments, including the first.",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsproxy_upstream_requests_total",
			Help: "Upstream RPC requests by outcome.",
		}, []string{"outcome"}),
		ClientConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsproxy_client_connections",
			Help: "Open downstream client websocket connections.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsproxy_subscriptions",
			Help: "Subscriptions tracked by the registry, including pending-removal ones.",
		}),
		NotificationsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsproxy_notifications_forwarded_total",
			Help: "Upstream notifications forwarded to clients.",
		}),
		NotificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsproxy_notifications_dropped_total",
			Help: "Upstream notifications dropped for unknown or stale subscription ids.",
		}),
	}

	reg.MustRegister(
		m.UpstreamConnected,
		m.UpstreamReconnects,
		m.UpstreamRequests,
		m.ClientConnections,
		m.ActiveSubscriptions,
		m.NotificationsForwarded,
		m.NotificationsDropped,
	)

	return m
}

// SetUpstreamConnected records the upstream connection state.
func (m *Metrics) SetUpstreamConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.UpstreamConnected.Set(1)
	} else {
		m.UpstreamConnected.Set(0)
	}
}

// ReconnectObserved counts a successful upstream connect.
func (m *Metrics) ReconnectObserved() {
	if m == nil {
		return
	}
	m.UpstreamReconnects.Inc()
}

// RequestObserved counts one upstream request outcome.
func (m *Metrics) RequestObserved(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(outcome).Inc()
}

// SetClientConnections records the number of open client connections.
func (m *Metrics) SetClientConnections(n int) {
	if m == nil {
		return
	}
	m.ClientConnections.Set(float64(n))
}

// SetActiveSubscriptions records the number of tracked subscriptions.
func (m *Metrics) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

// NotificationForwarded counts one notification delivered to a client.
func (m *Metrics) NotificationForwarded() {
	if m == nil {
		return
	}
	m.NotificationsForwarded.Inc()
}

// NotificationDropped counts one notification dropped for an unknown id.
func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}
