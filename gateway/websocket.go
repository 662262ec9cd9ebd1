package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mr-carleone/server-for-nats/errors"
)

const closeGracePeriod = time.Second

// wsConn is one live duplex connection. Writes are serialized; gorilla
// allows a single concurrent writer. Close and pings use WriteControl,
// which is safe alongside other writers.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send writes payload as one text frame, bounded by the write timeout or
// ctx's deadline, whichever is sooner.
func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return errors.ErrDisconnect
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(c.deadline(ctx))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// A failed write leaves the connection unusable; dropping the socket
		// ends the read loop, which unregisters it.
		_ = c.conn.NetConn().Close()
		return errors.Wrap(err, "wsConn", "Send", "write text frame")
	}
	return nil
}

func (c *wsConn) ping(ctx context.Context) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, c.deadline(ctx))
}

func (c *wsConn) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// Close sends a going-away close frame and closes the socket. Safe to call
// more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		err = c.conn.Close()
	})
	return err
}

// handleWebSocket upgrades the request and runs the connection's read loop
// until the peer leaves or the socket fails.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("duplex upgrade rejected",
			"remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		return
	}

	conn := newWSConn(ws, s.cfg.WriteTimeout)
	logger := s.logger.With("conn_id", conn.ID(), "remote", r.RemoteAddr)

	if !s.conns.Register(conn) {
		logger.Error("duplicate connection id, dropping connection")
		_ = conn.Close()
		return
	}
	logger.Info("duplex connection opened")

	s.active.Add(1)
	defer s.active.Done()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	err = s.serveConn(ctx, conn)

	s.conns.Unregister(conn)
	_ = conn.Close()

	if errors.IsDisconnect(err) {
		logger.Info("duplex connection closed", "reason", err.Error())
	} else {
		logger.Warn("duplex connection failed", "error", err)
	}
}

// serveConn broadcasts every text frame received on conn and returns the
// error that ended the loop. Orderly ends are tagged errors.ErrDisconnect.
func (s *Server) serveConn(ctx context.Context, conn *wsConn) error {
	ws := conn.conn
	ws.SetReadLimit(s.cfg.ReadLimit)

	if s.cfg.PingInterval > 0 {
		pongWait := 2 * s.cfg.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go s.keepAlive(ctx, conn)
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return classifyReadError(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.conns.Broadcast(ctx, data)
	}
}

// keepAlive pings conn every PingInterval until ctx is done or a ping fails.
// A failed ping closes the socket, which ends the read loop.
func (s *Server) keepAlive(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ping(ctx); err != nil {
				s.logger.Debug("ping failed", "conn_id", conn.ID(), "error", err)
				_ = conn.conn.Close()
				return
			}
		}
	}
}

// classifyReadError tags the expected ways a duplex connection ends: a close
// frame from the peer, a dropped socket, or a local close on shutdown.
func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case stderrors.As(err, &closeErr),
		stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, net.ErrClosed):
		return errors.Tag(errors.ErrDisconnect, err)
	default:
		return err
	}
}
