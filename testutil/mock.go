package testutil

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mr-carleone/server-for-nats/errors"
)

// RecordingConn is a duplex connection that records every payload sent to
// it. It satisfies registry.Conn and io.Closer.
type RecordingConn struct {
	id string

	mu       sync.Mutex
	received [][]byte
	closed   bool

	// SendErr, when set, is returned by every Send.
	SendErr error
	// SendDelay makes Send block until the delay passes or ctx is done.
	SendDelay time.Duration

	notify chan struct{}
}

// NewRecordingConn creates a connection with a random ID.
func NewRecordingConn() *RecordingConn {
	return NewRecordingConnWithID(uuid.NewString())
}

// NewRecordingConnWithID creates a connection with a fixed ID.
func NewRecordingConnWithID(id string) *RecordingConn {
	return &RecordingConn{id: id, notify: make(chan struct{}, 1)}
}

// ID returns the connection handle.
func (c *RecordingConn) ID() string { return c.id }

// Send records payload unless the connection is closed or failing.
func (c *RecordingConn) Send(ctx context.Context, payload []byte) error {
	if c.SendDelay > 0 {
		select {
		case <-time.After(c.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.SendErr != nil {
		return c.SendErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrDisconnect
	}
	c.received = append(c.received, slices.Clone(payload))

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the connection closed.
func (c *RecordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed returns whether Close was called.
func (c *RecordingConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Received returns a copy of every payload sent so far.
func (c *RecordingConn) Received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.received))
	for i, p := range c.received {
		out[i] = slices.Clone(p)
	}
	return out
}

// Count returns the number of payloads received.
func (c *RecordingConn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// WaitCount blocks until at least n payloads arrived or timeout elapses,
// and reports whether the count was reached.
func (c *RecordingConn) WaitCount(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if c.Count() >= n {
			return true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return c.Count() >= n
		}
	}
}
