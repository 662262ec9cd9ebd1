// Package bridge forwards records from the durable broker subject to every
// live duplex connection.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/health"
	"github.com/mr-carleone/server-for-nats/metric"
	"github.com/mr-carleone/server-for-nats/natsclient"
	"github.com/mr-carleone/server-for-nats/pkg/retry"
	"github.com/mr-carleone/server-for-nats/registry"
)

const healthName = "listener"

// State is the listener lifecycle state.
type State int

const (
	// StateStarting is the initial state before Start is called
	StateStarting State = iota
	// StateSubscribing means subscription setup is in progress, either at
	// start or after the broker dropped a live subscription
	StateSubscribing
	// StateListening means records are being forwarded
	StateListening
	// StateStopped means Stop was called after a successful start
	StateStopped
	// StateFailed means subscribing gave up after Config.Retry was
	// exhausted; restart is required
	StateFailed
)

// String returns a string representation of the listener state
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateSubscribing:
		return "subscribing"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Subscriber is the long-lived broker session the listener owns.
type Subscriber interface {
	Subscribe(ctx context.Context, stream, subject string, handler natsclient.Handler, onLost natsclient.LostHandler) error
	Close(ctx context.Context) error
}

// Broadcaster fans a payload out to live connections.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) registry.Result
}

// Config holds listener settings
type Config struct {
	Stream  string
	Subject string
	// Retry bounds subscription setup, both at start and after a live
	// subscription is lost. MaxAttempts 1 disables retry.
	Retry retry.Config
}

// Listener subscribes to the durable subject and broadcasts every record it
// receives. It owns its Subscriber and closes it on Stop.
type Listener struct {
	cfg     Config
	sub     Subscriber
	targets Broadcaster

	logger  *slog.Logger
	metrics *metric.Metrics
	health  *health.Monitor

	mu          sync.RWMutex
	state       State
	lastErr     error
	started     bool
	stopping    bool
	pendingLoss error
	runCtx      context.Context
	cancelRun   context.CancelFunc
	resubs      sync.WaitGroup
	done        chan struct{}
	endOnce     sync.Once
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics reports state and record counts. Nil disables them.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(l *Listener) {
		l.metrics = registry.CoreMetrics()
	}
}

// WithHealth reports state transitions to monitor.
func WithHealth(monitor *health.Monitor) Option {
	return func(l *Listener) {
		l.health = monitor
	}
}

// NewListener creates a listener in StateStarting.
func NewListener(cfg Config, sub Subscriber, targets Broadcaster, opts ...Option) (*Listener, error) {
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream and subject are required", errors.ErrMissingConfig),
			"Listener", "NewListener", "validate config")
	}
	if sub == nil || targets == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: subscriber and broadcaster are required", errors.ErrMissingConfig),
			"Listener", "NewListener", "validate dependencies")
	}

	l := &Listener{
		cfg:     cfg,
		sub:     sub,
		targets: targets,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "listener", "stream", cfg.Stream, "subject", cfg.Subject)
	l.setState(StateStarting, nil)

	return l, nil
}

// State returns the current state
func (l *Listener) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Err returns the error that moved the listener to StateFailed, if any.
func (l *Listener) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Done is closed when the listener reaches StateStopped or StateFailed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Start subscribes, retrying per Config.Retry, and returns once the
// listener is Listening or Failed. A failure is returned and also recorded;
// it never panics and never leaves the listener half-subscribed.
//
// If the broker later drops the subscription the listener goes back to
// StateSubscribing and resubscribes under the same policy in the
// background, failing once the policy is exhausted.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Listener", "Start", "check state")
	}
	l.started = true
	l.runCtx, l.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	l.mu.Unlock()

	l.setState(StateSubscribing, nil)

	err := l.subscribe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			l.logger.Info("listener start cancelled", "error", err)
			l.setState(StateStopped, nil)
			l.end()
			return err
		}
		l.fail(err)
		return err
	}

	l.listening()
	return nil
}

func (l *Listener) subscribe(ctx context.Context) error {
	policy := l.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		l.logger.Warn("subscribe failed, retrying",
			"attempt", attempt, "max_attempts", policy.MaxAttempts, "delay", delay, "error", err)
	}

	return retry.Do(ctx, policy, func() error {
		return errors.RetryPolicy(l.sub.Subscribe(ctx, l.cfg.Stream, l.cfg.Subject, l.handle, l.lost))
	})
}

// listening moves to StateListening and replays a loss that arrived while
// the subscription was still being set up.
func (l *Listener) listening() {
	l.mu.Lock()
	if !l.transition(StateListening, nil) {
		l.mu.Unlock()
		return
	}
	pending := l.pendingLoss
	l.pendingLoss = nil
	l.mu.Unlock()

	l.logger.Info("listening for broker messages")
	if pending != nil {
		l.lost(pending)
	}
}

// lost is the subscription's LostHandler.
func (l *Listener) lost(err error) {
	l.mu.Lock()
	switch {
	case l.stopping, l.state == StateFailed, l.state == StateStopped:
		l.mu.Unlock()
		return
	case l.state != StateListening:
		l.pendingLoss = err
		l.mu.Unlock()
		return
	}
	l.transition(StateSubscribing, nil)
	l.resubs.Add(1)
	ctx := l.runCtx
	l.mu.Unlock()

	l.metrics.RecordListenerLost()
	l.logger.Warn("subscription lost, resubscribing", "error", err)
	go l.resubscribe(ctx)
}

func (l *Listener) resubscribe(ctx context.Context) {
	defer l.resubs.Done()

	err := l.subscribe(ctx)
	if err == nil {
		l.listening()
		return
	}

	l.mu.RLock()
	stopping := l.stopping
	l.mu.RUnlock()
	if stopping || ctx.Err() != nil {
		l.logger.Debug("resubscribe abandoned", "error", err)
		return
	}
	l.fail(err)
}

func (l *Listener) fail(err error) {
	if errors.IsNotFound(err) {
		l.logger.Error("stream not found; create the stream bound to the subject, or fix the broker configuration, then restart",
			"error", err)
	} else {
		l.logger.Error("subscribing failed; restart required", "error", err)
	}
	l.setState(StateFailed, err)
	l.end()
}

// Stop closes the broker session. A listening listener moves to
// StateStopped; a failed one stays failed.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Listener", "Stop", "check state")
	}
	l.stopping = true
	cancelRun := l.cancelRun
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cancelRun()
	err := l.sub.Close(ctx)
	l.resubs.Wait()

	if l.State() != StateFailed {
		l.setState(StateStopped, nil)
		l.logger.Info("listener stopped")
	}
	l.end()

	if err != nil {
		return errors.Wrap(err, "Listener", "Stop", "close broker session")
	}
	return nil
}

func (l *Listener) end() {
	l.endOnce.Do(func() { close(l.done) })
}

// handle logs one record and broadcasts its raw payload.
func (l *Listener) handle(ctx context.Context, rec natsclient.Record) {
	l.metrics.RecordListenerMessage()
	l.logRecord(rec)
	l.targets.Broadcast(ctx, rec.Data)
}

func (l *Listener) logRecord(rec natsclient.Record) {
	var envelope map[string]any
	if err := json.Unmarshal(rec.Data, &envelope); err != nil {
		l.logger.Debug("record is not a JSON object", "seq", rec.Sequence, "error", err)
		l.logger.Info("received message", "seq", rec.Sequence, "raw", string(rec.Data))
		return
	}
	if msg, ok := envelope["message"]; ok {
		l.logger.Info("received message", "seq", rec.Sequence, "message", msg)
		return
	}
	l.logger.Info("received message", "seq", rec.Sequence, "raw", string(rec.Data))
}

func (l *Listener) setState(state State, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transition(state, err)
}

// transition records state and reports it. Once Stop has begun only
// StateStopped is accepted. The caller holds l.mu.
func (l *Listener) transition(state State, err error) bool {
	if l.stopping && state != StateStopped {
		return false
	}
	l.state = state
	if err != nil {
		l.lastErr = err
	}

	l.metrics.RecordListenerState(int(state))

	if l.health == nil {
		return true
	}
	switch state {
	case StateListening:
		l.health.UpdateHealthy(healthName, "listening on "+l.cfg.Subject)
	case StateFailed:
		l.health.Update(healthName, health.FromError(healthName, err))
	default:
		l.health.UpdateDegraded(healthName, state.String())
	}
	return true
}
