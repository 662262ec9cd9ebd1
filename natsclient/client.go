package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by broker operations before Connect succeeds.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Record is one message delivered by a subscription.
type Record struct {
	Subject  string
	Data     []byte
	Sequence uint64
}

// Handler is invoked once per delivered record. The record is acknowledged
// after the handler returns.
type Handler func(ctx context.Context, rec Record)

// LostHandler is invoked at most once when a live subscription ends on the
// broker side: the consumer or stream was deleted, or the connection closed.
// The error carries errors.ErrBroker.
type LostHandler func(err error)

// Client is one broker session: a NATS connection plus its JetStream context.
type Client struct {
	url    string
	status atomic.Value // stores ConnectionStatus
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string

	// Authentication - cleared on close
	username string
	password string
	token    string

	tlsConfig *tls.Config

	metrics       *metric.Metrics
	streamMetrics *streamMetrics
	metricsCancel context.CancelFunc

	onDisconnect func(error)
	onReconnect  func()

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		pingInterval:  30 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  10 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)

	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
	m.metrics.RecordNATSStatus(status == StatusConnected)
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}

	return opts
}

// Connect establishes the broker session. Failures carry errors.ErrConnection.
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapInvalid(errors.ErrClosed, "Client", "Connect", "check client state")
	}

	m.setStatus(StatusConnecting)
	m.logger.Debug("connecting to NATS", "url", m.url)

	opts := m.buildConnectionOptions()

	type result struct {
		conn *nats.Conn
		js   jetstream.JetStream
		err  error
	}
	connectDone := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- result{err: err}
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- result{err: err}
			return
		}
		connectDone <- result{conn: conn, js: js}
	}()

	select {
	case res := <-connectDone:
		if res.err != nil {
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(errors.Tag(errors.ErrConnection, res.err),
				"Client", "Connect", "establish connection")
		}
		m.mu.Lock()
		m.conn = res.conn
		m.js = res.js
		m.mu.Unlock()
	case <-ctx.Done():
		m.setStatus(StatusDisconnected)
		// Close a connection that lands after we gave up.
		go func() {
			if res := <-connectDone; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.WrapTransient(errors.Tag(errors.ErrConnection, ctx.Err()),
			"Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.logger.Info("connected to NATS", "url", m.url)

	if m.streamMetrics != nil {
		m.metricsCancel = m.streamMetrics.startPoller(context.Background(), m)
	}

	return nil
}

// JetStream returns the JetStream context for the session
func (m *Client) JetStream() (jetstream.JetStream, error) {
	if m.closed.Load() {
		return nil, errors.ErrClosed
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.js == nil || m.conn == nil || !m.conn.IsConnected() {
		return nil, errors.Tag(errors.ErrConnection, ErrNotConnected)
	}
	return m.js, nil
}

// EnsureResult reports what EnsureStream did.
type EnsureResult int

const (
	// StreamCreated means the stream did not exist and was created.
	StreamCreated EnsureResult = iota + 1
	// StreamAlreadyExists means a stream with a matching binding was found.
	StreamAlreadyExists
)

// String returns the string representation of EnsureResult
func (r EnsureResult) String() string {
	switch r {
	case StreamCreated:
		return "created"
	case StreamAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// StorageType selects where a stream keeps its messages.
type StorageType string

// Supported storage backends
const (
	FileStorage   StorageType = "file"
	MemoryStorage StorageType = "memory"
)

func (s StorageType) jetstream() jetstream.StorageType {
	if s == MemoryStorage {
		return jetstream.MemoryStorage
	}
	return jetstream.FileStorage
}

// StreamSpec describes the stream EnsureStream makes sure exists.
type StreamSpec struct {
	Name     string
	Subjects []string
	Storage  StorageType
}

// EnsureStream creates the stream if absent. An existing stream bound to
// every requested subject is success; one bound elsewhere is ErrBroker.
func (m *Client) EnsureStream(ctx context.Context, spec StreamSpec) (EnsureResult, error) {
	if spec.Name == "" || len(spec.Subjects) == 0 {
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "Client", "EnsureStream", "validate stream spec")
	}

	js, err := m.JetStream()
	if err != nil {
		return 0, errors.WrapTransient(err, "Client", "EnsureStream", "get jetstream")
	}

	if stream, err := js.Stream(ctx, spec.Name); err == nil {
		return m.checkBinding(stream.CachedInfo(), spec)
	} else if !stderrors.Is(err, jetstream.ErrStreamNotFound) {
		return 0, errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "EnsureStream", "lookup stream")
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     spec.Name,
		Subjects: spec.Subjects,
		Storage:  spec.Storage.jetstream(),
	})
	if err == nil {
		m.logger.Info("stream created", "stream", spec.Name, "subjects", spec.Subjects)
		return StreamCreated, nil
	}

	// Another process created it between lookup and create.
	if isAlreadyExistsError(err) {
		stream, getErr := js.Stream(ctx, spec.Name)
		if getErr != nil {
			return 0, errors.Wrap(errors.Tag(errors.ErrBroker, getErr), "Client", "EnsureStream", "lookup stream after race")
		}
		return m.checkBinding(stream.CachedInfo(), spec)
	}

	return 0, errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "EnsureStream", "create stream")
}

func (m *Client) checkBinding(info *jetstream.StreamInfo, spec StreamSpec) (EnsureResult, error) {
	if info == nil {
		return StreamAlreadyExists, nil
	}
	for _, subject := range spec.Subjects {
		if !slices.Contains(info.Config.Subjects, subject) {
			return 0, errors.Wrap(
				errors.Tag(errors.ErrBroker, fmt.Errorf("stream %s is bound to %v, not %s",
					spec.Name, info.Config.Subjects, subject)),
				"Client", "EnsureStream", "verify stream binding")
		}
	}
	m.logger.Debug("stream already exists", "stream", spec.Name)
	return StreamAlreadyExists, nil
}

// Publish durably writes data to subject and waits for the stream ack.
// Failures carry errors.ErrPublish.
func (m *Client) Publish(ctx context.Context, subject string, data []byte) error {
	js, err := m.JetStream()
	if err != nil {
		return errors.WrapTransient(errors.Tag(errors.ErrPublish, err), "Client", "Publish", "get jetstream")
	}

	ack, err := js.Publish(ctx, subject, data)
	if err != nil {
		return errors.Wrap(errors.Tag(errors.ErrPublish, err), "Client", "Publish", "publish to stream")
	}

	m.logger.Debug("published", "subject", subject, "stream", ack.Stream, "seq", ack.Sequence)
	return nil
}

// Subscribe starts an ephemeral consumer on stream filtered to subject and
// returns once it is registered. Records published after the call are
// delivered to handler asynchronously until the session closes or the
// subscription is lost, which is reported to onLost. A nil onLost only logs.
func (m *Client) Subscribe(ctx context.Context, streamName, subject string, handler Handler, onLost LostHandler) error {
	js, err := m.JetStream()
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "get jetstream")
	}

	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return errors.Wrap(errors.Tag(errors.ErrNotFound, err), "Client", "Subscribe", "lookup stream")
		}
		return errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "Subscribe", "lookup stream")
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     subject,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "Subscribe", "create consumer")
	}

	consumeCtx, cancel := context.WithCancel(context.Background())
	var lostOnce sync.Once
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		rec := Record{Subject: msg.Subject(), Data: msg.Data()}
		if meta, err := msg.Metadata(); err == nil {
			rec.Sequence = meta.Sequence.Stream
		}
		handler(consumeCtx, rec)
		if err := msg.Ack(); err != nil {
			m.logger.Debug("ack failed", "subject", rec.Subject, "error", err)
		}
	}, jetstream.ConsumeErrHandler(func(cc jetstream.ConsumeContext, err error) {
		if !isSubscriptionLost(err) {
			m.logger.Warn("consumer error", "stream", streamName, "subject", subject, "error", err)
			return
		}
		if m.closed.Load() {
			return
		}
		lostOnce.Do(func() {
			m.logger.Error("subscription lost", "stream", streamName, "subject", subject, "error", err)
			cc.Stop()
			cancel()
			if onLost != nil {
				onLost(errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "Subscribe", "consume"))
			}
		})
	}))
	if err != nil {
		cancel()
		return errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "Subscribe", "start consumer")
	}

	m.consumersMu.Lock()
	defer m.consumersMu.Unlock()

	if m.closed.Load() {
		cc.Stop()
		cancel()
		return errors.WrapInvalid(errors.ErrClosed, "Client", "Subscribe", "register consumer")
	}

	if m.consumers == nil {
		m.consumers = make(map[string]jetstream.ConsumeContext)
	}
	key := fmt.Sprintf("%s:%s", streamName, subject)
	if existing, ok := m.consumers[key]; ok {
		existing.Stop()
		m.logger.Debug("replaced existing consumer", "key", key)
	}
	m.consumers[key] = stopWith(cc, cancel)

	m.logger.Info("subscribed", "stream", streamName, "subject", subject)
	return nil
}

// StreamInfo is a read-only snapshot of a stream's state.
type StreamInfo struct {
	Name     string
	Subjects []string
	Messages uint64
	Bytes    uint64
	FirstSeq uint64
	LastSeq  uint64
}

// StreamInfo queries the broker for the named stream's state. A missing
// stream carries errors.ErrNotFound.
func (m *Client) StreamInfo(ctx context.Context, name string) (StreamInfo, error) {
	js, err := m.JetStream()
	if err != nil {
		return StreamInfo{}, errors.WrapTransient(err, "Client", "StreamInfo", "get jetstream")
	}

	stream, err := js.Stream(ctx, name)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return StreamInfo{}, errors.Wrap(errors.Tag(errors.ErrNotFound, err), "Client", "StreamInfo", "lookup stream")
		}
		return StreamInfo{}, errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "StreamInfo", "lookup stream")
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return StreamInfo{}, errors.Wrap(errors.Tag(errors.ErrBroker, err), "Client", "StreamInfo", "fetch stream info")
	}

	return StreamInfo{
		Name:     info.Config.Name,
		Subjects: info.Config.Subjects,
		Messages: info.State.Msgs,
		Bytes:    info.State.Bytes,
		FirstSeq: info.State.FirstSeq,
		LastSeq:  info.State.LastSeq,
	}, nil
}

// Close stops consumers and drains the connection. Safe to call more than
// once and on a client that never connected.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Load() {
		return nil
	}
	m.closed.Store(true)

	if m.metricsCancel != nil {
		m.metricsCancel()
	}

	m.consumersMu.Lock()
	for key, cc := range m.consumers {
		cc.Stop()
		m.logger.Debug("stopped consumer", "key", key)
	}
	m.consumers = nil
	m.consumersMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.js = nil
	m.username, m.password, m.token = "", "", ""
	m.mu.Unlock()

	var drainErr error
	if conn != nil && !conn.IsClosed() {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		// Drain is asynchronous; wait for the connection to report closed.
		if err := conn.Drain(); err != nil {
			drainErr = errors.Wrap(err, "Client", "Close", "drain connection")
			conn.Close()
		} else if !waitClosed(conn, drainTimeout) {
			m.logger.Warn("drain timed out, closing connection", "timeout", drainTimeout)
			conn.Close()
		}
	}

	m.setStatus(StatusClosed)
	return drainErr
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Warn("disconnected from NATS", "error", err)
	if m.onDisconnect != nil {
		go m.onDisconnect(err)
	}
}

func (m *Client) handleReconnect(conn *nats.Conn) {
	m.setStatus(StatusConnected)
	m.metrics.RecordNATSReconnect()
	m.logger.Info("reconnected to NATS", "url", conn.ConnectedUrlRedacted())
	if m.onReconnect != nil {
		go m.onReconnect()
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	if m.closed.Load() {
		m.setStatus(StatusClosed)
		return
	}
	m.setStatus(StatusDisconnected)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}

func waitClosed(conn *nats.Conn, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !conn.IsClosed() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// consumeStopper stops a consumer and cancels the context its handlers see.
type consumeStopper struct {
	jetstream.ConsumeContext
	cancel context.CancelFunc
}

func (s consumeStopper) Stop() {
	s.ConsumeContext.Stop()
	s.cancel()
}

func stopWith(cc jetstream.ConsumeContext, cancel context.CancelFunc) jetstream.ConsumeContext {
	return consumeStopper{ConsumeContext: cc, cancel: cancel}
}

// isSubscriptionLost reports consume errors after which no further records
// arrive on the consumer.
func isSubscriptionLost(err error) bool {
	return stderrors.Is(err, jetstream.ErrConsumerDeleted) ||
		stderrors.Is(err, jetstream.ErrConsumerNotFound) ||
		stderrors.Is(err, jetstream.ErrStreamNotFound) ||
		stderrors.Is(err, nats.ErrConnectionClosed)
}

// isAlreadyExistsError checks if an error indicates a stream already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "stream name already in use") ||
		strings.Contains(errStr, "already exists")
}
