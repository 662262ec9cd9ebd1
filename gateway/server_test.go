package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-carleone/server-for-nats/bridge"
	"github.com/mr-carleone/server-for-nats/health"
	"github.com/mr-carleone/server-for-nats/metric"
	"github.com/mr-carleone/server-for-nats/pkg/retry"
	"github.com/mr-carleone/server-for-nats/registry"
	fakes "github.com/mr-carleone/server-for-nats/testutil"
)

const (
	testStream  = "MY_STREAM"
	testSubject = "my_subject"
	testOrigin  = "http://localhost:5173"
	waitTimeout = 2 * time.Second
)

type fixture struct {
	broker   *fakes.MockBroker
	registry *registry.Registry
	monitor  *health.Monitor
	metrics  *metric.MetricsRegistry
	listener *bridge.Listener
	server   *Server
	http     *httptest.Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		broker:  fakes.NewMockBroker(),
		monitor: health.NewMonitor(),
		metrics: metric.NewMetricsRegistry(),
	}
	f.broker.AddStream(testStream, testSubject)
	f.registry = registry.New(registry.WithLogger(logger), registry.WithMetrics(f.metrics))

	var err error
	f.listener, err = bridge.NewListener(bridge.Config{
		Stream:  testStream,
		Subject: testSubject,
		Retry:   retry.Once(),
	}, f.broker, f.registry,
		bridge.WithLogger(logger),
		bridge.WithHealth(f.monitor),
	)
	require.NoError(t, err)
	require.NoError(t, f.listener.Start(context.Background()))

	cfg := DefaultConfig()
	cfg.Stream = testStream
	cfg.Subject = testSubject
	cfg.PingInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	f.server, err = NewServer(cfg, f.registry, f.broker,
		WithLogger(logger),
		WithMetrics(f.metrics),
		WithHealth(f.monitor),
	)
	require.NoError(t, err)

	f.http = httptest.NewServer(f.server.Handler())
	t.Cleanup(func() {
		f.registry.CloseAll()
		f.server.Wait()
		f.http.Close()
		_ = f.listener.Stop(time.Second)
	})
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()

	before := f.registry.Len()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + RouteWebSocket
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	fakes.WaitFor(t, waitTimeout, func() bool { return f.registry.Len() > before },
		"connection was not registered")
	return conn
}

func (f *fixture) post(t *testing.T, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.http.URL+RouteSend, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func TestWebSocket_SelfEcho(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	sendText(t, c1, "hello")
	assert.Equal(t, "hello", readText(t, c1))

	// The echo path never touches the broker.
	assert.Empty(t, f.broker.Messages(testStream))
	assert.Equal(t, 0, f.broker.Opens())

	resp, _ := f.post(t, "{\"message\": \"a\"}\n\t ")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "trailing whitespace is accepted")
}

func TestWebSocket_BroadcastToAll(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)
	c2 := f.dial(t)

	sendText(t, c1, "ping")

	assert.Equal(t, "ping", readText(t, c1))
	assert.Equal(t, "ping", readText(t, c2))
}

func TestWebSocket_PerSourceOrder(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)
	c2 := f.dial(t)

	for _, msg := range []string{"one", "two", "three"} {
		sendText(t, c1, msg)
	}
	for _, msg := range []string{"one", "two", "three"} {
		assert.Equal(t, msg, readText(t, c2))
	}
}

func TestWebSocket_BinaryFramesIgnored(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	require.NoError(t, c1.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	sendText(t, c1, "after")

	assert.Equal(t, "after", readText(t, c1))
}

func TestWebSocket_DisconnectUnregisters(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)
	c2 := f.dial(t)
	require.Equal(t, 2, f.registry.Len())

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, c1.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	_ = c1.Close()

	fakes.WaitFor(t, waitTimeout, func() bool { return f.registry.Len() == 1 },
		"closed connection still registered")

	sendText(t, c2, "still here")
	assert.Equal(t, "still here", readText(t, c2))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CoreMetrics().ConnectionsActive))
}

func TestWebSocket_AbruptDropUnregisters(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	// No close frame: the server sees the socket end.
	require.NoError(t, c1.NetConn().Close())

	fakes.WaitFor(t, waitTimeout, func() bool { return f.registry.Len() == 0 },
		"dropped connection still registered")
}

func TestWebSocket_OriginRejected(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + RouteWebSocket
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.registry.Len())
}

func TestWebSocket_AllowedOrigin(t *testing.T) {
	f := newFixture(t, nil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + RouteWebSocket
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{testOrigin}})
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestWebSocket_ServerShutdownClosesClients(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	f.registry.CloseAll()

	require.NoError(t, c1.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, _, err := c1.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	f.server.Wait()
}

func TestSend_DurableRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	resp, body := f.post(t, `{"message": "durable-test"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status": "Message sent"}`, string(body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	// Delivered through the listener, not the local echo path.
	assert.JSONEq(t, `{"message": "durable-test"}`, readText(t, c1))

	stored := f.broker.Messages(testStream)
	require.Len(t, stored, 1)
	assert.JSONEq(t, `{"message": "durable-test"}`, string(stored[0]))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CoreMetrics().PublishTotal.WithLabelValues("ok")))
}

func TestSend_ArbitraryKeys(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	payload := `{"user": "ana", "n": 3, "tags": ["a", "b"], "nested": {"ok": true}}`
	resp, _ := f.post(t, payload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.JSONEq(t, payload, readText(t, c1))
}

func TestSend_LargeIntegerKeepsDigits(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)

	resp, _ := f.post(t, `{"id": 9007199254740993, "price": 1.10, "message": "x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := readText(t, c1)
	assert.Contains(t, got, `"id":9007199254740993`)
	assert.Contains(t, got, `"price":1.10`)
	assert.Contains(t, string(f.broker.Messages(testStream)[0]), `9007199254740993`)
}

func TestMessageCount_AfterSend(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.get(t, RouteMessageCount)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count": 0}`, string(body))

	resp, _ = f.post(t, `{"message": "durable-test"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.get(t, RouteMessageCount)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var count CountResponse
	require.NoError(t, json.Unmarshal(body, &count))
	assert.GreaterOrEqual(t, count.Count, uint64(1))
}

func TestMessageCount_StreamMissing(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Stream = "MISSING_STREAM" })

	resp, body := f.get(t, RouteMessageCount)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error": "stream not found", "status": 404}`, string(body))
}

func TestHTTP_SessionPerRequest(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 3; i++ {
		resp, _ := f.post(t, `{"message": "x"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.get(t, RouteMessageCount)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 4, f.broker.Opens())
	assert.Equal(t, 4, f.broker.Closes())
}

func TestSend_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{"message": `, http.StatusBadRequest},
		{"array body", `[1, 2, 3]`, http.StatusBadRequest},
		{"string body", `"hello"`, http.StatusBadRequest},
		{"null body", `null`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"trailing garbage", `{"message": "a"} not json`, http.StatusBadRequest},
		{"two objects", `{"message": "a"}{"message": "b"}`, http.StatusBadRequest},
	}

	f := newFixture(t, nil)
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp, body := f.post(t, test.body)
			assert.Equal(t, test.status, resp.StatusCode)
			assert.JSONEq(t, `{"error": "invalid request", "status": 400}`, string(body))
		})
	}

	assert.Empty(t, f.broker.Messages(testStream))
	assert.Equal(t, 0, f.broker.Opens())
}

func TestSend_BodyTooLarge(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.MaxRequestBytes = 32 })

	resp, _ := f.post(t, `{"message": "`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, f.broker.Messages(testStream))
}

func TestSend_RateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.SendRateLimit = 0.001
		cfg.SendBurst = 1
	})

	resp, _ := f.post(t, `{"message": "first"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.post(t, `{"message": "second"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `{"error": "rate limit exceeded", "status": 429}`, string(body))
	assert.Len(t, f.broker.Messages(testStream), 1)
}

func TestSend_PublishFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.PublishErr = stderrors.New("nats: no response from stream my_subject")

	resp, body := f.post(t, `{"message": "lost"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.JSONEq(t, `{"error": "broker operation failed", "status": 502}`, string(body))
	assert.NotContains(t, string(body), "my_subject")

	// The session is released on the failure path too.
	assert.Equal(t, f.broker.Opens(), f.broker.Closes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CoreMetrics().PublishTotal.WithLabelValues("error")))
}

func TestHTTP_BrokerUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.OpenErr = stderrors.New("dial tcp 127.0.0.1:4222: connect: connection refused")

	resp, body := f.post(t, `{"message": "x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, string(body), "127.0.0.1")

	resp, _ = f.get(t, RouteMessageCount)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.get(t, RouteSend)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("allowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.http.URL+RouteMessageCount, nil)
		req.Header.Set("Origin", testOrigin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		readBody(t, resp)

		assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, f.http.URL+RouteMessageCount, nil)
		req.Header.Set("Origin", "http://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		readBody(t, resp)

		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, f.http.URL+RouteSend, nil)
		req.Header.Set("Origin", testOrigin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		readBody(t, resp)

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
		assert.Equal(t, testOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestCORS_Wildcard(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"*", testOrigin} })

	corsGet := func(origin string) http.Header {
		req, _ := http.NewRequest(http.MethodGet, f.http.URL+RouteMessageCount, nil)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		readBody(t, resp)
		return resp.Header
	}

	header := corsGet("http://anywhere.example")
	assert.Equal(t, "*", header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, header.Get("Access-Control-Allow-Credentials"))

	header = corsGet(testOrigin)
	assert.Equal(t, testOrigin, header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", header.Get("Access-Control-Allow-Credentials"))
}

func TestHTTP_RequestID(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.get(t, RouteMessageCount)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, _ := http.NewRequest(http.MethodGet, f.http.URL+RouteMessageCount, nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	readBody(t, resp)
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.get(t, RouteHealth)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var status health.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, "listener", status.SubStatuses[0].Component)

	f.monitor.UpdateUnhealthy("broker", "connection lost")
	resp, _ = f.get(t, RouteHealth)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth_SubscriptionLost(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.get(t, RouteHealth)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.broker.RemoveStream(testStream)
	select {
	case <-f.listener.Done():
	case <-time.After(waitTimeout):
		t.Fatal("listener kept running after its stream was deleted")
	}
	assert.Equal(t, bridge.StateFailed, f.listener.State())

	resp, body := f.get(t, RouteHealth)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var status health.Status
	require.NoError(t, json.Unmarshal(body, &status))
	require.Len(t, status.SubStatuses, 1)
	assert.True(t, status.SubStatuses[0].IsUnhealthy())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	resp, _ := f.get(t, RouteMessageCount)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.get(t, RouteMetrics)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(body, []byte(`wsbridge_http_requests_total{code="200",route="/message_count"} 1`)),
		"metrics output missing request counter")
}

func TestNewServer_Validation(t *testing.T) {
	broker := fakes.NewMockBroker()

	_, err := NewServer(DefaultConfig(), nil, broker)
	assert.Error(t, err)

	_, err = NewServer(DefaultConfig(), registry.New(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Subject = ""
	_, err = NewServer(cfg, registry.New(), broker)
	assert.Error(t, err)
}
