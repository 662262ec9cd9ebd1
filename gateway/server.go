package gateway

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/health"
	"github.com/mr-carleone/server-for-nats/metric"
	"github.com/mr-carleone/server-for-nats/natsclient"
)

// Route names used in logs and the http_requests_total route label.
const (
	RouteWebSocket    = "/ws"
	RouteSend         = "/send"
	RouteMessageCount = "/message_count"
	RouteHealth       = "/health"
	RouteMetrics      = "/metrics"
)

// Server serves the bridge's HTTP surface. It holds no broker connection of
// its own: every broker-backed request opens a session through the Opener.
type Server struct {
	cfg     Config
	conns   Connections
	opener  natsclient.Opener
	logger  *slog.Logger
	health  *health.Monitor
	metrics *metric.Metrics
	promReg *metric.MetricsRegistry

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	// Tracks duplex read loops so Wait can block until they exit.
	active sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records request metrics and serves /metrics from registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		s.promReg = registry
		s.metrics = registry.CoreMetrics()
	}
}

// WithHealth serves /health from monitor.
func WithHealth(monitor *health.Monitor) Option {
	return func(s *Server) {
		s.health = monitor
	}
}

// NewServer validates cfg and builds a Server that registers duplex
// connections with conns and opens broker sessions with opener.
func NewServer(cfg Config, conns Connections, opener natsclient.Opener, opts ...Option) (*Server, error) {
	if conns == nil || opener == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer",
			"connections and session opener are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		conns:  conns,
		opener: opener,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")

	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	if cfg.SendRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SendRateLimit), cfg.SendBurst)
	}
	return s, nil
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+RouteWebSocket, s.instrument(RouteWebSocket, s.handleWebSocket))
	mux.Handle("POST "+RouteSend, s.instrument(RouteSend, s.handleSend))
	mux.Handle("GET "+RouteMessageCount, s.instrument(RouteMessageCount, s.handleMessageCount))
	mux.Handle("GET "+RouteHealth, s.instrument(RouteHealth, s.handleHealth))
	mux.Handle("GET "+RouteMetrics, s.promReg.Handler())
	return s.withCORS(mux)
}

// Wait blocks until every duplex read loop has exited.
func (s *Server) Wait() {
	s.active.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy("wsbridge", "health monitoring disabled"))
		return
	}

	status := s.health.AggregateHealth("wsbridge")
	code := http.StatusOK
	if !status.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// instrument adds a request ID and records the response code.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(route, rec.status)
	})
}

// getOrGenerateRequestID returns the caller's X-Request-ID or a new UUID.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.applyCORS(w, r)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// applyCORS applies CORS headers when the request origin is allowed.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	w.Header().Add("Vary", "Origin")

	// Named origins get credentials; "*" answers with the literal wildcard
	// and no credentials.
	switch {
	case slices.Contains(s.cfg.AllowedOrigins, origin):
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	case slices.Contains(s.cfg.AllowedOrigins, "*"):
		w.Header().Set("Access-Control-Allow-Origin", "*")
	default:
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*")
}

// checkOrigin admits non-browser clients, which send no Origin header, and
// browsers whose origin is allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

// statusRecorder captures the response code. It passes Hijack through so
// the duplex upgrade still works behind it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
		r.wroteHeader = true
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
