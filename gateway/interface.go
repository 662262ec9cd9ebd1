package gateway

import (
	"context"

	"github.com/mr-carleone/server-for-nats/registry"
)

// Connections is the live-connection set the duplex handler registers with
// and broadcasts through. *registry.Registry implements it.
type Connections interface {
	Register(conn registry.Conn) bool
	Unregister(conn registry.Conn) bool
	Broadcast(ctx context.Context, payload []byte) registry.Result
}
