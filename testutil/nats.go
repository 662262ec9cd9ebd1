package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/natsclient"
)

// MockBroker is an in-memory stand-in for a JetStream server. It implements
// the listener's subscriber surface and natsclient.Opener, so one instance
// can back both the bridge listener and the HTTP handlers in a test.
// Published records are delivered synchronously to matching subscribers.
// Thread-safe for concurrent use from multiple goroutines.
type MockBroker struct {
	mu      sync.RWMutex
	streams map[string]*mockStream
	subs    []mockSub
	closed  bool

	// Error injection. SubscribeErrs are returned by successive Subscribe
	// calls, one per call, before falling through to normal behavior.
	OpenErr       error
	PublishErr    error
	InfoErr       error
	SubscribeErrs []error

	opens  atomic.Int32
	closes atomic.Int32
}

type mockStream struct {
	subjects []string
	messages [][]byte
}

type mockSub struct {
	stream  string
	subject string
	handler natsclient.Handler
	onLost  natsclient.LostHandler
}

// NewMockBroker creates a broker with no streams.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		streams: make(map[string]*mockStream),
	}
}

// AddStream creates a stream bound to subjects.
func (b *MockBroker) AddStream(name string, subjects ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[name] = &mockStream{subjects: subjects}
}

// EnsureStream mirrors natsclient.Client.EnsureStream.
func (b *MockBroker) EnsureStream(_ context.Context, spec natsclient.StreamSpec) (natsclient.EnsureResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.streams[spec.Name]; ok {
		for _, subject := range spec.Subjects {
			if !slices.Contains(s.subjects, subject) {
				return 0, errors.Tag(errors.ErrBroker, fmt.Errorf("stream %s bound elsewhere", spec.Name))
			}
		}
		return natsclient.StreamAlreadyExists, nil
	}
	b.streams[spec.Name] = &mockStream{subjects: spec.Subjects}
	return natsclient.StreamCreated, nil
}

// Publish stores data on the stream bound to subject and delivers it to
// every matching subscriber.
func (b *MockBroker) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.Tag(errors.ErrPublish, errors.ErrClosed)
	}
	if b.PublishErr != nil {
		err := b.PublishErr
		b.mu.Unlock()
		return errors.Tag(errors.ErrPublish, err)
	}

	var (
		streamName string
		seq        uint64
	)
	for name, s := range b.streams {
		if slices.Contains(s.subjects, subject) {
			s.messages = append(s.messages, slices.Clone(data))
			streamName = name
			seq = uint64(len(s.messages))
			break
		}
	}
	if streamName == "" {
		b.mu.Unlock()
		return errors.Tag(errors.ErrPublish, fmt.Errorf("no stream bound to %s", subject))
	}

	// Copy handlers to avoid holding lock during callbacks
	var handlers []natsclient.Handler
	for _, sub := range b.subs {
		if sub.stream == streamName && sub.subject == subject {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	rec := natsclient.Record{Subject: subject, Data: data, Sequence: seq}
	for _, handler := range handlers {
		handler(ctx, rec)
	}
	return nil
}

// Subscribe registers handler for records published on subject via stream.
// onLost is called if the subscription is later dropped with
// DropSubscriptions or RemoveStream.
func (b *MockBroker) Subscribe(ctx context.Context, stream, subject string, handler natsclient.Handler, onLost natsclient.LostHandler) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.SubscribeErrs) > 0 {
		err := b.SubscribeErrs[0]
		b.SubscribeErrs = b.SubscribeErrs[1:]
		return err
	}
	if b.closed {
		return errors.Tag(errors.ErrConnection, errors.ErrClosed)
	}
	if _, ok := b.streams[stream]; !ok {
		return errors.Tag(errors.ErrNotFound, fmt.Errorf("stream %s", stream))
	}

	b.subs = append(b.subs, mockSub{stream: stream, subject: subject, handler: handler, onLost: onLost})
	return nil
}

// DropSubscriptions ends every live subscription as the broker would after
// deleting its consumer, reporting cause to each LostHandler.
func (b *MockBroker) DropSubscriptions(cause error) {
	b.mu.Lock()
	dropped := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range dropped {
		if sub.onLost != nil {
			sub.onLost(errors.Tag(errors.ErrBroker, cause))
		}
	}
}

// RemoveStream deletes a stream and ends the subscriptions bound to it.
// Later subscribes to it fail with errors.ErrNotFound.
func (b *MockBroker) RemoveStream(name string) {
	b.mu.Lock()
	delete(b.streams, name)
	var dropped []mockSub
	b.subs = slices.DeleteFunc(b.subs, func(sub mockSub) bool {
		if sub.stream != name {
			return false
		}
		dropped = append(dropped, sub)
		return true
	})
	b.mu.Unlock()

	for _, sub := range dropped {
		if sub.onLost != nil {
			sub.onLost(errors.Tag(errors.ErrBroker, fmt.Errorf("stream %s deleted", name)))
		}
	}
}

// StreamInfo mirrors natsclient.Client.StreamInfo.
func (b *MockBroker) StreamInfo(_ context.Context, name string) (natsclient.StreamInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.InfoErr != nil {
		return natsclient.StreamInfo{}, b.InfoErr
	}
	s, ok := b.streams[name]
	if !ok {
		return natsclient.StreamInfo{}, errors.Tag(errors.ErrNotFound, fmt.Errorf("stream %s", name))
	}

	var size uint64
	for _, m := range s.messages {
		size += uint64(len(m))
	}
	return natsclient.StreamInfo{
		Name:     name,
		Subjects: slices.Clone(s.subjects),
		Messages: uint64(len(s.messages)),
		Bytes:    size,
		FirstSeq: min(1, uint64(len(s.messages))),
		LastSeq:  uint64(len(s.messages)),
	}, nil
}

// Close drops all subscriptions. Later publishes and subscribes fail.
func (b *MockBroker) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}

// IsClosed returns whether the broker is closed.
func (b *MockBroker) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Open implements natsclient.Opener. Each call counts as one connection.
func (b *MockBroker) Open(_ context.Context) (natsclient.Session, error) {
	b.opens.Add(1)
	b.mu.RLock()
	err := b.OpenErr
	b.mu.RUnlock()
	if err != nil {
		return nil, errors.Tag(errors.ErrConnection, err)
	}
	return &mockSession{broker: b}, nil
}

// Opens returns how many sessions were opened.
func (b *MockBroker) Opens() int { return int(b.opens.Load()) }

// Closes returns how many sessions were closed.
func (b *MockBroker) Closes() int { return int(b.closes.Load()) }

// Subscribers returns the number of active subscriptions.
func (b *MockBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Messages returns a copy of the records stored on stream.
func (b *MockBroker) Messages(stream string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, ok := b.streams[stream]
	if !ok {
		return nil
	}
	out := make([][]byte, len(s.messages))
	for i, m := range s.messages {
		out[i] = slices.Clone(m)
	}
	return out
}

// mockSession is one per-operation handle on a MockBroker.
type mockSession struct {
	broker *MockBroker
	closed atomic.Bool
}

func (s *mockSession) Publish(ctx context.Context, subject string, data []byte) error {
	return s.broker.Publish(ctx, subject, data)
}

func (s *mockSession) StreamInfo(ctx context.Context, name string) (natsclient.StreamInfo, error) {
	return s.broker.StreamInfo(ctx, name)
}

func (s *mockSession) Close(context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.broker.closes.Add(1)
	}
	return nil
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			if len(msgAndArgs) > 0 {
				t.Fatalf("condition not met within %v: %v", timeout, fmt.Sprint(msgAndArgs...))
			}
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
