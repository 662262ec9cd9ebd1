// Package gateway exposes the bridge over HTTP.
//
// Routes:
//
//	GET  /ws             duplex endpoint; every text frame is broadcast to all live connections
//	POST /send           publish a JSON object to the durable subject
//	GET  /message_count  current message count of the durable stream
//	GET  /health         aggregated component health
//	GET  /metrics        Prometheus metrics
//
// # Two delivery paths
//
// A frame received on /ws is broadcast immediately through the connection
// registry. It never touches the broker and is not persisted.
//
// A body posted to /send is published to the broker on its own
// per-request session. It reaches duplex clients only once the bridge
// listener receives it back from the stream:
//
//	POST /send -> Session.Publish -> JetStream -> bridge.Listener -> Registry.Broadcast -> /ws clients
//
// # Errors
//
// Failures are returned as {"error": "...", "status": <code>} with a
// sanitized message. Broker subjects, URLs and addresses are never exposed.
//
//	not found            404
//	invalid request      400
//	rate limited         429
//	broker unreachable   503
//	publish failed       502
//	anything else        500
package gateway
