package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wsbridge"

// Metrics contains the bridge metrics shared by all components
type Metrics struct {
	// Connection registry
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Broadcast fan-out
	BroadcastTotal    prometheus.Counter
	BroadcastFailures prometheus.Counter
	BroadcastDuration prometheus.Histogram

	// Bridge listener
	ListenerMessages prometheus.Counter
	ListenerState    prometheus.Gauge
	ListenerLost     prometheus.Counter

	// HTTP surface
	PublishTotal *prometheus.CounterVec
	HTTPRequests *prometheus.CounterVec

	// Broker session
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all bridge metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Number of currently registered duplex connections",
			},
		),

		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of duplex connections accepted",
			},
		),

		BroadcastTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_total",
				Help:      "Total number of broadcasts performed",
			},
		),

		BroadcastFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_failures_total",
				Help:      "Total number of per-connection sends that failed during broadcast",
			},
		),

		BroadcastDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "broadcast_duration_seconds",
				Help:      "Time taken to fan one payload out to every registered connection",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		ListenerMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "messages_total",
				Help:      "Total number of broker records received by the bridge listener",
			},
		),

		ListenerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "state",
				Help:      "Bridge listener state (0=starting, 1=subscribing, 2=listening, 3=stopped, 4=failed)",
			},
		),

		ListenerLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "listener",
				Name:      "subscriptions_lost_total",
				Help:      "Total number of live subscriptions dropped by the broker",
			},
		),

		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_total",
				Help:      "Total number of durable publishes by result",
			},
			[]string{"result"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "Listener broker session status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of broker reconnections",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.BroadcastTotal,
		c.BroadcastFailures,
		c.BroadcastDuration,
		c.ListenerMessages,
		c.ListenerState,
		c.ListenerLost,
		c.PublishTotal,
		c.HTTPRequests,
		c.NATSConnected,
		c.NATSReconnects,
	}
}

// All Record* helpers are safe on a nil *Metrics so callers can pass the
// result of a nil registry straight through.

// RecordConnectionOpened counts a newly registered connection
func (c *Metrics) RecordConnectionOpened() {
	if c == nil {
		return
	}
	c.ConnectionsTotal.Inc()
	c.ConnectionsActive.Inc()
}

// RecordConnectionClosed decrements the active connection gauge
func (c *Metrics) RecordConnectionClosed() {
	if c == nil {
		return
	}
	c.ConnectionsActive.Dec()
}

// RecordBroadcast records one broadcast and its failed sends
func (c *Metrics) RecordBroadcast(failed int, duration time.Duration) {
	if c == nil {
		return
	}
	c.BroadcastTotal.Inc()
	c.BroadcastFailures.Add(float64(failed))
	c.BroadcastDuration.Observe(duration.Seconds())
}

// RecordListenerMessage counts a record delivered to the listener
func (c *Metrics) RecordListenerMessage() {
	if c == nil {
		return
	}
	c.ListenerMessages.Inc()
}

// RecordListenerState updates the listener state gauge
func (c *Metrics) RecordListenerState(state int) {
	if c == nil {
		return
	}
	c.ListenerState.Set(float64(state))
}

// RecordListenerLost counts a live subscription dropped by the broker
func (c *Metrics) RecordListenerLost() {
	if c == nil {
		return
	}
	c.ListenerLost.Inc()
}

// RecordPublish counts a publish attempt by result ("ok" or "error")
func (c *Metrics) RecordPublish(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.PublishTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest counts a finished HTTP request
func (c *Metrics) RecordHTTPRequest(route string, code int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, statusLabel(code)).Inc()
}

// RecordNATSStatus updates broker connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

func statusLabel(code int) string {
	if code < 100 || code > 999 {
		return "unknown"
	}
	return strconv.Itoa(code)
}
