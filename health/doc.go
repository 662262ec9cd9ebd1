// Package health provides component health tracking for the bridge.
//
// Components report into a shared Monitor; the gateway serves the
// aggregate at GET /health:
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("listener", "listening on my_subject")
//	monitor.Update("listener", health.FromError("listener", err))
//
//	agg := monitor.AggregateHealth("wsbridge")
//	// agg.IsHealthy() is false if any component is degraded or unhealthy
//
// Messages built with FromError are passed through Sanitize so broker
// URLs, addresses and credentials never reach HTTP clients.
package health
