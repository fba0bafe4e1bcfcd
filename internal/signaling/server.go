// Package signaling terminates client WebSocket connections and routes the
// JSON call-control protocol to the room layer. One goroutine owns each
// connection's read loop; outbound writes are serialized per connection.
package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomkit/groupcall/internal/metrics"
	"github.com/roomkit/groupcall/internal/room"
)

const wsWriteWait = 1 * time.Second

// Config wires the signaling server's collaborators and per-connection
// limits. Zero-value limits get working defaults.
type Config struct {
	Rooms   *room.Registry
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// IdleTimeout closes connections with no inbound traffic (messages or
	// pongs) for this long.
	IdleTimeout time.Duration
	// PingInterval is how often the server pings each connection.
	PingInterval time.Duration
	// MaxMessageBytes bounds a single signaling message.
	MaxMessageBytes int64
	// MessagesPerSecond bounds the sustained inbound message rate per
	// connection; violations close the connection.
	MessagesPerSecond int
}

// Server upgrades HTTP requests to signaling WebSocket connections and tracks
// them so shutdown can close every active connection.
type Server struct {
	rooms   *room.Registry
	log     *slog.Logger
	metrics *metrics.Metrics

	idleTimeout       time.Duration
	pingInterval      time.Duration
	maxMessageBytes   int64
	messagesPerSecond int

	upgrader websocket.Upgrader

	mu     sync.Mutex
	closed bool
	conns  map[*connection]struct{}
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	return &Server{
		rooms:             cfg.Rooms,
		log:               cfg.Logger,
		metrics:           cfg.Metrics,
		idleTimeout:       cfg.IdleTimeout,
		pingInterval:      cfg.PingInterval,
		maxMessageBytes:   cfg.MaxMessageBytes,
		messagesPerSecond: cfg.MessagesPerSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConnection(s, ws)
	if !s.track(c) {
		writeClose(ws, websocket.CloseGoingAway, "server shutting down")
		_ = ws.Close()
		return
	}

	s.metrics.Inc(metrics.EventConnectionOpened)
	c.log.Debug("signaling connection opened", "remote_addr", ws.RemoteAddr().String())

	c.run(r.Context())

	s.untrack(c)
	s.metrics.Inc(metrics.EventConnectionClosed)
	c.log.Debug("signaling connection closed")
}

func (s *Server) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// ConnectionCount returns the number of active signaling connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting connections and closes every active one. Each read
// loop then runs its own teardown (leaving the room it had joined).
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		writeClose(c.ws, websocket.CloseGoingAway, "server shutting down")
		_ = c.ws.Close()
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
