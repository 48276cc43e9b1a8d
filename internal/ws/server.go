// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP connections, maintaining active client connections, and
// handing complete inbound frames to the relay.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
)

// CodeFrameTooLarge is reported to a client whose frame exceeded MaxFrameBytes.
const CodeFrameTooLarge = "frame_too_large"

// maxControlPayload is the largest payload a control frame may carry.
const maxControlPayload = 125

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameBytes  int           // larger data frames are discarded
	SendQueueSize  int           // outbound frames buffered per connection
	Heartbeat      HeartbeatConfig
	Logger         *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameBytes:  64 << 10,
		SendQueueSize:  256,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the credential presented on upgrade.
// *auth.Verifier satisfies it.
type Authenticator interface {
	Verify(credential string) (auth.Identity, error)
}

// MessageFunc receives every complete data frame read from a connection.
// Frames of one connection are delivered one at a time.
type MessageFunc func(ctx context.Context, conn *Connection, data []byte)

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	verifier Authenticator
	epoll    *Epoll
	conns    *ConnectionManager

	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    MessageFunc
	onConnect    func(conn *Connection) error
	onDisconnect func(connID string)

	router     *mux.Router
	httpServer *http.Server

	ctx       context.Context // cancelled on shutdown, handed to onMessage
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	startedAt time.Time
}

// NewServer creates a Server. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket data frame is received.
func NewServer(config ServerConfig, verifier Authenticator, onMessage MessageFunc) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		logger:     config.Logger,
		verifier:   verifier,
		epoll:      ep,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		router:     mux.NewRouter(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	s.router.HandleFunc("/ws", s.handleUpgrade).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router exposes the HTTP router so that binaries can mount extra endpoints
// next to /ws and /health.
func (s *Server) Router() *mux.Router {
	return s.router
}

// SetOnConnect registers a callback invoked after a connection is
// authenticated and before any of its frames are read. Returning an error
// closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, eviction, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start listens on ListenAddr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the epoll event loop and the heartbeat monitor, then blocks
// serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.startOnce.Do(func() {
		go s.startEventLoop()
		StartHeartbeat(s, s.config.Heartbeat)
	})

	s.logger.Info("ws: server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request's token, upgrades it to a
// WebSocket with the gobwas zero-copy upgrader, and registers the new
// connection with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.refuse(conn, err)
		return
	}

	c := newConnection(uuid.NewString(), conn, identity, connOptions{
		queueSize:    s.config.SendQueueSize,
		writeTimeout: s.config.WriteTimeout,
		onFailure:    s.evict,
	})

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.logger.Warn("ws: connection rejected", "conn", c.ID(), "error", err)
			if s.conns.Remove(c.ID()) {
				metrics.ConnectionsTotal.Dec()
			}
			return
		}
	}

	go c.writeLoop()

	if err := s.epoll.Add(conn); err != nil {
		s.logger.Error("ws: epoll add failed", "conn", c.ID(), "error", err)
		s.RemoveConnection(c)
		return
	}

	s.logger.Info("ws: new connection",
		"conn", c.ID(), "user", identity.ID, "guest", identity.Guest, "total", s.conns.Count())
}

// refuse answers a failed authentication with the Unauthorized frame and
// closes the socket.
func (s *Server) refuse(conn net.Conn, err error) {
	reason := "invalid"
	if errors.Is(err, auth.ErrExpired) {
		reason = "expired"
	}
	metrics.AuthFailures.WithLabelValues(reason).Inc()
	s.logger.Info("ws: authentication failed", "remote", conn.RemoteAddr().String(), "reason", reason, "error", err)

	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = wsutil.WriteServerMessage(conn, ws.OpText, protocol.Unauthorized())
	_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "Unauthorized")))

	// Half-close and drain until the client hangs up, so frames it already
	// sent do not turn our close into a reset that discards the notice.
	if tc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = tc.CloseWrite()
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _ = io.Copy(io.Discard, conn)
	}
	_ = conn.Close()
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes one WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				s.logger.Error("ws: epoll wait error", "error", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection and
// re-arms it with the poller if it is still alive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	alive := s.readFrame(c)
	atomic.StoreInt32(&c.processing, 0)

	if alive {
		if err := s.epoll.Rearm(netConn); err != nil {
			s.logger.Debug("ws: rearm failed", "conn", c.ID(), "error", err)
			s.RemoveConnection(c)
		}
	}
}

// readFrame reads one frame using wsutil.NextReader so that control frames
// are handled without blocking on a data frame that may never arrive. It
// reports whether the connection is still open.
func (s *Server) readFrame(c *Connection) bool {
	netConn := c.conn
	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}

	// Any frame proves the connection is alive.
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(io.LimitReader(reader, maxControlPayload))
		if err != nil {
			s.RemoveConnection(c)
			return false
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPing:
			if err := c.writePong(payload); err != nil {
				s.RemoveConnection(c)
				return false
			}
		}
		return true
	}

	limit := int64(s.config.MaxFrameBytes)
	if limit <= 0 {
		limit = 1 << 62
	}
	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		s.RemoveConnection(c)
		return false
	}
	if int64(len(data)) > limit {
		if _, err := io.Copy(io.Discard, reader); err != nil {
			s.RemoveConnection(c)
			return false
		}
		s.logger.Info("ws: frame too large", "conn", c.ID(), "limit", limit)
		if frame, err := protocol.Error(CodeFrameTooLarge, fmt.Sprintf("Frame exceeds %d bytes", limit)); err == nil {
			_ = c.Send(frame)
		}
		return true
	}

	if len(data) == 0 {
		return true
	}

	if s.onMessage != nil {
		s.onMessage(s.ctx, c, data)
	}
	return true
}

func (s *Server) evict(c *Connection, err error) {
	if errors.Is(err, ErrSendQueueFull) {
		metrics.SlowConsumers.Inc()
		s.logger.Warn("ws: evicting slow consumer", "conn", c.ID())
	} else {
		s.logger.Info("ws: write failed", "conn", c.ID(), "error", err)
	}
	s.RemoveConnection(c)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. Concurrent callers
// (read error and heartbeat timeout, say) clean up exactly once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.conn)

	if !s.conns.Remove(c.ID()) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID())
	}

	s.logger.Info("ws: connection closed", "conn", c.ID(), "total", s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit, closes
// all active connections (running the disconnect callback for each) and
// releases the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("ws: shutting down server")

	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("ws: http shutdown error", "error", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if err := s.epoll.Close(); err != nil {
		s.logger.Debug("ws: epoll close", "error", err)
	}

	s.logger.Info("ws: server stopped, all connections closed")
	return err
}
