package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// defaultSendQueue is the outbound queue length when none is configured.
const defaultSendQueue = 256

// Connection represents a single WebSocket client connection with its
// associated metadata, a bounded outbound queue drained by its own writer
// goroutine, and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string    // session ID (UUID)
	Conn       net.Conn  // underlying TCP connection
	RemoteIP   string    // client address as seen after proxies
	CreatedAt  time.Time // when the connection was established
	lastActive atomic.Int64
	writeMu    sync.Mutex   // serializes writes to this connection
	processing atomic.Int32 // 0 = idle, 1 = being read by handleConn
	send       chan []byte  // outbound text frames, drained by writeLoop
	closed     chan struct{}
	closeOnce  sync.Once
}

func newConnection(id string, conn net.Conn, remoteIP string) *Connection {
	return newConnectionSize(id, conn, remoteIP, defaultSendQueue)
}

func newConnectionSize(id string, conn net.Conn, remoteIP string, queue int) *Connection {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	c := &Connection{
		ID:        id,
		Conn:      conn,
		RemoteIP:  remoteIP,
		CreatedAt: time.Now(),
		send:      make(chan []byte, queue),
		closed:    make(chan struct{}),
	}
	c.Touch()
	return c
}

// Touch records inbound activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the connection last delivered a frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// writeControl sends a control frame such as pong or close.
func (c *Connection) writeControl(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewFrame(op, true, payload))
}

// enqueue queues data for the writer without blocking. It reports false when
// the connection is closed or its queue is full.
func (c *Connection) enqueue(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the underlying network connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ConnectionManager is a thread-safe registry that maps session IDs and
// network connections to their Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
