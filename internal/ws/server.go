// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, maintaining active client sessions, and dispatching
// incoming frames to the realtime coordinator.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/logger"
	"github.com/web3messenger/realtime/internal/metrics"
	"github.com/web3messenger/realtime/internal/ratelimit"
)

// MaxFrameBytes caps the payload of a single inbound frame.
const MaxFrameBytes = 128 * 1024

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // outbound frames buffered per connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendQueueSize:  defaultSendQueue,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Limiter throttles actions per identifier. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with an epoll
// instance for I/O readiness notifications, and dispatches ready connections
// to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(connID string)                 // called once a connection is registered
	onDisconnect func(connID string)                 // called when a connection is removed
	limiter      Limiter                             // optional per-IP connect throttle
	router       chi.Router
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket text frame is received from a client; frames of one
// connection are never delivered concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}

	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logger.Middleware)
	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	s.router = r

	return s
}

// Router exposes the HTTP router so callers can mount extra endpoints.
func (s *Server) Router() chi.Router {
	return s.router
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered, before any of its frames are read.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetLimiter enables per-IP throttling of new connections.
func (s *Server) SetLimiter(l Limiter) {
	s.limiter = l
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes the epoll instance and accepts WebSocket connections on
// ln. It starts the epoll event loop and heartbeat in background goroutines
// and blocks until the HTTP server stops.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	startHeartbeat(s, s.config.Heartbeat)

	zap.L().Info("ws_server_listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// gobwas/ws zero-copy upgrader. On success it creates a Connection, registers
// it with the connection manager and epoll instance.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if !allowed {
			metrics.RateLimited.WithLabelValues("connect").Inc()
			retry := s.limiter.RetryAfter(r.Context(), ip, ratelimit.RuleConnect)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second)/time.Second)))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		zap.L().Debug("ws_upgrade_failed", zap.String("remote_ip", ip), zap.Error(err))
		return
	}

	c := newConnectionSize(uuid.NewString(), conn, ip, s.config.SendQueueSize)
	s.attach(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c.ID)
	}

	if err := s.epoll.Add(conn); err != nil {
		zap.L().Error("epoll_add_failed", zap.String("session", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}

	zap.L().Debug("ws_connection_opened",
		zap.String("session", c.ID),
		zap.String("remote_ip", ip),
		zap.Int("total", s.conns.Count()))
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
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
// worker pool semaphore) that reads and processes the WebSocket frame.
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
			// EINTR is expected during signal handling.
			if !errors.Is(err, syscall.EINTR) {
				zap.L().Warn("epoll_wait_failed", zap.Error(err))
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

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong, close) are handled
// without blocking on a data frame that may never arrive. If the read fails
// the connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !c.processing.CompareAndSwap(0, 1) {
		return
	}
	defer s.epoll.Resume(netConn)
	defer c.processing.Store(0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.Touch()

	if header.Length > MaxFrameBytes {
		zap.L().Info("ws_frame_too_large", zap.String("session", c.ID), zap.Int64("length", header.Length))
		_ = c.writeControl(ws.OpClose, ws.NewCloseFrameBody(ws.StatusMessageTooBig, "frame too large"))
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			_ = c.writeControl(ws.OpClose, nil)
			s.RemoveConnection(c)
		case ws.OpPing:
			if err := c.writeControl(ws.OpPong, payload); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if len(payload) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, payload)
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only the first caller proceeds when a read error and a heartbeat
	// timeout race to remove the same connection.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	zap.L().Debug("ws_connection_closed",
		zap.String("session", c.ID),
		zap.Int("total", s.conns.Count()))
}

// ErrSlowConsumer is returned by SendMessage when the connection's outbound
// queue is full. The connection is closed.
var ErrSlowConsumer = errors.New("ws: outbound queue full")

// attach registers c and starts its writer.
func (s *Server) attach(c *Connection) {
	s.conns.Add(c)
	go s.writeLoop(c)
}

// SendMessage queues a WebSocket text frame for the connection identified by
// connID and returns without waiting for the write. A connection whose queue
// is full is evicted and the frame is dropped.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	if c.enqueue(data) {
		return nil
	}
	if c.isClosed() {
		return fmt.Errorf("ws: connection %s closed", connID)
	}

	metrics.SlowConsumers.Inc()
	zap.L().Info("ws_slow_consumer_evicted", zap.String("session", c.ID), zap.Int("queued", len(c.send)))
	// Eviction runs the disconnect callback, which must not run on the
	// caller's goroutine.
	go s.RemoveConnection(c)
	return ErrSlowConsumer
}

// writeLoop drains the outbound queue of c until the connection closes.
func (s *Server) writeLoop(c *Connection) {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := s.writeText(c, data); err != nil {
				zap.L().Debug("ws_write_failed", zap.String("session", c.ID), zap.Error(err))
				s.RemoveConnection(c)
				return
			}
		}
	}
}

func (s *Server) writeText(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		// Clear the deadline so it doesn't affect heartbeat pings.
		defer c.Conn.SetWriteDeadline(time.Time{})
	}

	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		zap.L().Info("ws_server_shutting_down", zap.Int("connections", s.conns.Count()))

		close(s.done)

		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
			}
		}

		for _, c := range s.conns.All() {
			_ = c.writeControl(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown"))
			if s.epoll != nil {
				_ = s.epoll.Remove(c.Conn)
			}
			if s.conns.Remove(c.ID) {
				metrics.ConnectionsTotal.Dec()
			}
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}

		zap.L().Info("ws_server_stopped")
	})
	return err
}

// remoteIP returns the client host after middleware.RealIP rewrote
// RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
