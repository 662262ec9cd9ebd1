// Package registry tracks the live duplex connections and fans payloads out
// to all of them.
package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-carleone/server-for-nats/metric"
)

// DefaultSendTimeout bounds a single connection's send during Broadcast.
const DefaultSendTimeout = 5 * time.Second

// Conn is one live duplex connection.
type Conn interface {
	// ID is an opaque handle, unique for the life of the process.
	ID() string
	// Send writes payload as one text frame. Implementations must be safe
	// for concurrent use and honor ctx's deadline.
	Send(ctx context.Context, payload []byte) error
}

// Result summarizes one Broadcast.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Registry is the set of live connections. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn

	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithSendTimeout overrides DefaultSendTimeout. Non-positive values are ignored.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records connection and broadcast metrics. Nil disables them.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(r *Registry) {
		r.metrics = registry.CoreMetrics()
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:       make(map[string]Conn),
		sendTimeout: DefaultSendTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Register adds conn to the live set. It reports false, and changes nothing,
// if a connection with the same ID is already present.
func (r *Registry) Register(conn Conn) bool {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.mu.Unlock()
		return false
	}
	r.conns[conn.ID()] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordConnectionOpened()
	r.logger.Debug("connection registered", "conn_id", conn.ID(), "connections", count)
	return true
}

// Unregister removes conn. Removing an absent connection is a no-op that
// reports false.
func (r *Registry) Unregister(conn Conn) bool {
	r.mu.Lock()
	current, exists := r.conns[conn.ID()]
	if !exists || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.ID())
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordConnectionClosed()
	r.logger.Debug("connection unregistered", "conn_id", conn.ID(), "connections", count)
	return true
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the live connections at the moment of the call.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast sends payload, unchanged, to every connection registered when
// the call begins. Sends run concurrently, each bounded by the send timeout;
// Broadcast returns once all of them finish. A failed send is counted and
// logged but never removes the connection: its own read loop does that.
func (r *Registry) Broadcast(ctx context.Context, payload []byte) Result {
	start := time.Now()
	conns := r.Snapshot()

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				failed.Add(1)
				r.logger.Debug("broadcast send failed", "conn_id", c.ID(), "error", err)
			}
		}(c)
	}
	wg.Wait()

	res := Result{
		Attempted: len(conns),
		Failed:    int(failed.Load()),
	}
	res.Delivered = res.Attempted - res.Failed

	r.metrics.RecordBroadcast(res.Failed, time.Since(start))
	if res.Failed > 0 {
		r.logger.Warn("broadcast incomplete", "attempted", res.Attempted, "failed", res.Failed)
	}
	return res
}

// CloseAll closes every live connection that implements io.Closer and
// empties the registry. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.mu.Unlock()

	for _, c := range conns {
		r.metrics.RecordConnectionClosed()
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				r.logger.Debug("close failed", "conn_id", c.ID(), "error", err)
			}
		}
	}
	if len(conns) > 0 {
		r.logger.Info("closed connections", "count", len(conns))
	}
}
