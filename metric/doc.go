// Package metric provides the Prometheus registry and the bridge metrics.
//
// A MetricsRegistry owns a private prometheus.Registry with the bridge
// metrics (namespace "wsbridge") and the Go runtime collectors registered.
// Components receive the registry at construction and treat a nil registry
// as "metrics disabled":
//
//	reg := metric.NewMetricsRegistry()
//	m := reg.CoreMetrics()   // nil when reg is nil
//	m.RecordBroadcast(0, d)  // no-op on nil
//
// Component-specific collectors go through MetricsRegistrar, which rejects
// duplicate registrations with an invalid-class error:
//
//	err := reg.RegisterGaugeVec("natsclient", "stream_messages", gv)
//
// The gateway mounts Handler at /metrics.
package metric
