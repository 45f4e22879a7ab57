// Package client is the messenger's client session adapter. It owns one
// WebSocket connection to the realtime server (gobwas/ws, like the server),
// reconnects with bounded backoff, authenticates automatically and turns
// server events into typed subscriptions and derived presence state.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/protocol"
)

// Sentinel errors returned by publishes and receipts.
var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrNotAuthenticated = errors.New("client: not authenticated")
	ErrConnectionLost   = errors.New("client: connection lost")
)

// RejectedError reports an operation the server refused.
type RejectedError struct {
	Event  string // server event carrying the rejection
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: %s: %s", e.Event, e.Reason)
}

// Backoff is a bounded exponential retry policy.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultBackoff retries five times starting at one second, capped at five.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 5 * time.Second, Attempts: 5}
}

// Delay returns the wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	d := b.Initial
	for i := 0; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Config configures a Client.
type Config struct {
	URL           string // ws://host:port/ws
	UserID        string // identity to authenticate as; empty stays anonymous
	WalletAddress string
	Backoff       Backoff
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	AutoReconnect bool
}

// DefaultConfig returns a Config for url with reconnection enabled.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Backoff:       DefaultBackoff(),
		DialTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		AutoReconnect: true,
	}
}

// ConnectionState is published to OnConnectionChange subscribers.
type ConnectionState struct {
	Connected     bool
	Authenticated bool
	Err           error // cause of an unexpected disconnect
}

// Client is a single messenger session. All methods are safe for concurrent
// use. Subscribers run on the read goroutine in registration order.
type Client struct {
	cfg Config

	writeMu sync.Mutex // serializes frames on the wire

	mu            sync.Mutex
	conn          net.Conn
	connected     bool
	authenticated bool
	lastErr       error
	cancel        context.CancelFunc // stops reconnection; nil after Disconnect
	pendingMsgs   []*Receipt[protocol.MessageSent]
	pendingPays   []*Receipt[protocol.PaymentConfirmed]
	typing        map[typingKey]struct{}
	online        map[string]string

	messages    listeners[protocol.NewMessage]
	payments    listeners[protocol.PaymentReceived]
	typingSubs  listeners[protocol.UserTyping]
	statusSubs  listeners[protocol.UserStatusChanged]
	connSubs    listeners[ConnectionState]
	serverError listeners[*RejectedError]
}

type typingKey struct {
	conversationID string
	userID         string
}

// New creates a disconnected Client.
func New(cfg Config) *Client {
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		typing: make(map[typingKey]struct{}),
		online: make(map[string]string),
	}
}

// Connect dials the server, retrying per the backoff policy. After a
// successful dial the configured identity is authenticated automatically;
// IsAuthenticated turns true once the server confirms.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.establish(ctx, runCtx); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the transport and disables reconnection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.reset()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
	c.writeMu.Unlock()
	err := conn.Close()

	if wasConnected {
		c.connSubs.emit(ConnectionState{})
	}
	return err
}

// IsConnected reports whether a transport is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAuthenticated reports whether the server accepted the identity on the
// current transport.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// LastError returns the most recent connection or server error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// establish dials and starts the read loop of a fresh transport.
func (c *Client) establish(ctx, runCtx context.Context) error {
	conn, src, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if runCtx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.connected = true
	c.authenticated = false
	c.lastErr = nil
	clear(c.typing)
	clear(c.online)
	c.mu.Unlock()

	zap.L().Info("client_connected", zap.String("url", c.cfg.URL))
	c.connSubs.emit(ConnectionState{Connected: true})

	go c.readLoop(runCtx, conn, src)

	if c.cfg.UserID != "" {
		auth := protocol.Authenticate{UserID: c.cfg.UserID, WalletAddress: c.cfg.WalletAddress}
		if err := c.write(conn, auth); err != nil {
			zap.L().Warn("client_authenticate_failed", zap.Error(err))
		}
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Backoff.Attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.cfg.Backoff.Delay(attempt - 1))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil, nil, ctx.Err()
			}
		}

		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		conn, br, _, err := ws.Dial(dctx, c.cfg.URL)
		cancel()
		if err == nil {
			// Frames sent right after the handshake may already sit in br.
			if br != nil {
				return conn, br, nil
			}
			return conn, conn, nil
		}
		lastErr = err
		zap.L().Debug("client_dial_failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, nil, fmt.Errorf("client: dial %s after %d attempts: %w", c.cfg.URL, c.cfg.Backoff.Attempts, lastErr)
}

// readLoop reads server frames until the transport fails, then triggers
// reconnection unless Disconnect was called.
func (c *Client) readLoop(runCtx context.Context, conn net.Conn, src io.Reader) {
	control := func(h ws.Header, r io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return wsutil.ControlFrameHandler(conn, ws.StateClientSide)(h, r)
	}
	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	var err error
	for {
		var h ws.Header
		h, err = rd.NextFrame()
		if err != nil {
			break
		}
		if h.OpCode.IsControl() {
			if err = control(h, rd); err != nil {
				break
			}
			continue
		}
		if h.OpCode&ws.OpText == 0 {
			if err = rd.Discard(); err != nil {
				break
			}
			continue
		}
		var data []byte
		if data, err = io.ReadAll(rd); err != nil {
			break
		}
		c.handleFrame(data)
	}

	c.lost(runCtx, conn, err)
}

// lost tears down the state of a dead transport.
func (c *Client) lost(runCtx context.Context, conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.lastErr = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	c.reset()
	c.mu.Unlock()
	conn.Close()

	zap.L().Info("client_connection_lost", zap.Error(cause))
	c.connSubs.emit(ConnectionState{Err: cause})

	if runCtx.Err() != nil || !c.cfg.AutoReconnect {
		return
	}
	go c.reconnect(runCtx)
}

func (c *Client) reconnect(runCtx context.Context) {
	if err := c.establish(runCtx, runCtx); err != nil {
		if runCtx.Err() != nil {
			return
		}
		zap.L().Warn("client_reconnect_failed", zap.Error(err))
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
	}
}

// reset clears per-connection state and fails pending receipts. Callers hold
// c.mu.
func (c *Client) reset() {
	c.connected = false
	c.authenticated = false
	for _, r := range c.pendingMsgs {
		r.reject(ErrConnectionLost)
	}
	for _, r := range c.pendingPays {
		r.reject(ErrConnectionLost)
	}
	c.pendingMsgs = nil
	c.pendingPays = nil
	clear(c.typing)
	clear(c.online)
}

// write encodes msg and sends it on conn.
func (c *Client) write(conn net.Conn, msg protocol.ClientMessage) error {
	data, err := protocol.NewClientMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(conn, data)
}

func (c *Client) writeLocked(conn net.Conn, data []byte) error {
	if c.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}
