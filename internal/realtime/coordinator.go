// Package realtime implements the presence and messaging coordinator. A single
// Coordinator owns the connection registry, room membership and typing state
// and mutates them from one event loop goroutine, so no locks guard them.
// Transport goroutines only enqueue work; every handler runs to completion
// before the next one starts.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/presence"
	"github.com/web3messenger/realtime/internal/protocol"
	"github.com/web3messenger/realtime/internal/sink"
)

// ErrStopped is returned by queries once the event loop has exited.
var ErrStopped = errors.New("realtime: coordinator stopped")

// Emitter hands an encoded frame to a session's transport. It is called from
// the event loop and must not wait for the network; *ws.Server queues the
// frame per connection.
type Emitter interface {
	SendMessage(sessionID string, data []byte) error
}

// Config holds coordinator tuning knobs.
type Config struct {
	TypingTTL     time.Duration // typing indicators older than this are cleared; 0 disables
	SweepInterval time.Duration // how often typing expiry runs
	InboxSize     int           // buffered events before transport goroutines block
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingTTL:     8 * time.Second,
		SweepInterval: time.Second,
		InboxSize:     1024,
	}
}

// Stats is a point-in-time snapshot of coordinator state.
type Stats struct {
	Sessions int `json:"sessions"`
	Online   int `json:"online"`
	Rooms    int `json:"rooms"`
	Typing   int `json:"typing"`
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithSink sets the advisory persistence sink.
func WithSink(s sink.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides how missing message and payment ids are filled.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// Coordinator routes events between sessions.
type Coordinator struct {
	cfg     Config
	emitter Emitter
	sink    sink.Sink
	now     func() time.Time
	newID   func() string

	inbox chan func()
	done  chan struct{}

	// Owned by the event loop.
	sessions map[string]*Session
	registry *presence.Registry
	rooms    *presence.Rooms
	typing   *presence.Typing
}

// New builds a Coordinator. Run must be called for it to process events.
func New(cfg Config, emitter Emitter, opts ...Option) *Coordinator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	c := &Coordinator{
		cfg:      cfg,
		emitter:  emitter,
		sink:     sink.Nop{},
		now:      time.Now,
		newID:    uuid.NewString,
		inbox:    make(chan func(), cfg.InboxSize),
		done:     make(chan struct{}),
		sessions: make(map[string]*Session),
		registry: presence.NewRegistry(),
		rooms:    presence.NewRooms(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.typing = presence.NewTyping(c.now)
	return c
}

// Run processes queued events until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	var sweep <-chan time.Time
	if c.cfg.TypingTTL > 0 && c.cfg.SweepInterval > 0 {
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	zap.L().Info("coordinator_started",
		zap.Duration("typing_ttl", c.cfg.TypingTTL),
		zap.Int("inbox_size", c.cfg.InboxSize))

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("coordinator_stopped", zap.Int("sessions", len(c.sessions)))
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
		case <-sweep:
			c.expireTyping()
		}
	}
}

// Connect registers a new transport session.
func (c *Coordinator) Connect(sessionID string) {
	c.submit(func() { c.handleConnect(sessionID) })
}

// Receive queues a decoded inbound event. Events of one session are handled
// in the order Receive is called for them.
func (c *Coordinator) Receive(sessionID string, msg protocol.ClientMessage) {
	c.submit(func() { c.handleMessage(sessionID, msg) })
}

// Disconnect closes a session and releases everything it held.
func (c *Coordinator) Disconnect(sessionID string) {
	c.submit(func() { c.handleDisconnect(sessionID) })
}

// OnlineCount returns the number of online identities.
func (c *Coordinator) OnlineCount(ctx context.Context) (int, error) {
	return query(ctx, c, c.registry.Count)
}

// OnlineUsers returns the online identities, sorted.
func (c *Coordinator) OnlineUsers(ctx context.Context) ([]string, error) {
	return query(ctx, c, c.registry.Identities)
}

// IsOnline reports whether identity currently has a registered session.
func (c *Coordinator) IsOnline(ctx context.Context, identity string) (bool, error) {
	return query(ctx, c, func() bool {
		_, ok := c.registry.Lookup(identity)
		return ok
	})
}

// Stats returns a snapshot of the coordinator state.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	return query(ctx, c, c.stats)
}

func (c *Coordinator) stats() Stats {
	return Stats{
		Sessions: len(c.sessions),
		Online:   c.registry.Count(),
		Rooms:    c.rooms.Len(),
		Typing:   c.typing.Len(),
	}
}

// submit enqueues fn. It blocks while the inbox is full and drops fn once
// the loop has exited.
func (c *Coordinator) submit(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

func query[T any](ctx context.Context, c *Coordinator, fn func() T) (T, error) {
	var zero T
	result := make(chan T, 1)
	if !c.submit(func() { result <- fn() }) {
		return zero, ErrStopped
	}
	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrStopped
	}
}

// ---------------------------------------------------------------------------
// Emission helpers
// ---------------------------------------------------------------------------

// emit sends one event to one session.
func (c *Coordinator) emit(sessionID, event string, payload any) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		zap.L().Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	c.write(sessionID, event, data)
}

// emitTo sends one event to every listed session except the excluded one.
func (c *Coordinator) emitTo(sessionIDs []string, except, event string, payload any) {
	if len(sessionIDs) == 0 {
		return
	}
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		zap.L().Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	for _, id := range sessionIDs {
		if id == except {
			continue
		}
		c.write(id, event, data)
	}
}

// emitRoom sends one event to the members of a room except one session.
func (c *Coordinator) emitRoom(room, except, event string, payload any) {
	c.emitTo(c.rooms.MembersOf(room), except, event, payload)
}

// broadcast sends one event to every connected session except one.
func (c *Coordinator) broadcast(except, event string, payload any) {
	ids := make([]string, 0, len(c.sessions))
	for id, s := range c.sessions {
		if s.State != StateClosed {
			ids = append(ids, id)
		}
	}
	c.emitTo(ids, except, event, payload)
}

func (c *Coordinator) write(sessionID, event string, data []byte) {
	if err := c.emitter.SendMessage(sessionID, data); err != nil {
		// The transport reports the disconnect separately.
		zap.L().Debug("emit_failed",
			zap.String("session", sessionID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// Advisory sink helpers
// ---------------------------------------------------------------------------

func (c *Coordinator) advise(kind string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		zap.L().Warn("sink_failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (c *Coordinator) adviseStatus(userID, status string) {
	st := sink.Status{UserID: userID, Status: status, At: c.now()}
	c.advise("status", func(ctx context.Context) error { return c.sink.StatusChanged(ctx, st) })
}
