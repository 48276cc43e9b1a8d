package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
)

var (
	// ErrConnectionClosed is returned by Send after the connection is gone.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrSendQueueFull is returned by Send when the peer does not keep up.
	// The connection is evicted when it happens.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Connection represents a single authenticated WebSocket client. Outbound
// frames go through a bounded queue drained by a dedicated writer goroutine,
// so fan-out never blocks on a slow socket.
type Connection struct {
	id        string
	conn      net.Conn
	identity  auth.Identity
	createdAt time.Time
	lastSeen  atomic.Int64 // unix nanos of the last frame read

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frames from the writer and the heartbeat
	writeTimeout time.Duration
	processing   int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	// onFailure is called at most once when the connection must be evicted
	// because its queue overflowed or a write failed.
	onFailure func(c *Connection, err error)
	failOnce  sync.Once
}

type connOptions struct {
	queueSize    int
	writeTimeout time.Duration
	onFailure    func(c *Connection, err error)
}

func newConnection(id string, conn net.Conn, identity auth.Identity, opts connOptions) *Connection {
	if opts.queueSize <= 0 {
		opts.queueSize = 1
	}
	now := time.Now()
	c := &Connection{
		id:           id,
		conn:         conn,
		identity:     identity,
		createdAt:    now,
		send:         make(chan []byte, opts.queueSize),
		done:         make(chan struct{}),
		writeTimeout: opts.writeTimeout,
		onFailure:    opts.onFailure,
	}
	c.touch(now)
	return c
}

// ID returns the connection handle.
func (c *Connection) ID() string { return c.id }

// Identity returns the principal resolved at upgrade time.
func (c *Connection) Identity() auth.Identity { return c.identity }

// LastSeen reports when the client last sent any frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) touch(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

// Send queues a text frame. It never blocks: a full queue evicts the
// connection and returns ErrSendQueueFull.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.fail(ErrSendQueueFull)
		return ErrSendQueueFull
	}
}

// writeLoop drains the send queue until the connection closes.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				c.fail(err)
				return
			}
		}
	}
}

// WriteMessage writes a text frame immediately, bypassing the queue. The
// write mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(func() error {
		return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
	})
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
	})
}

func (c *Connection) writePong(payload []byte) error {
	return c.write(func() error {
		return ws.WriteFrame(c.conn, ws.NewPongFrame(payload))
	})
}

func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

func (c *Connection) fail(err error) {
	c.failOnce.Do(func() {
		if c.onFailure != nil {
			go c.onFailure(c, err)
		}
	})
}

// Close stops the writer and closes the underlying network connection.
// It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by handle and by the underlying net.Conn that the poller reports.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byConn map[net.Conn]*Connection
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
	cm.byID[conn.id] = conn
	cm.byConn[conn.conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by handle and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given handle, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
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

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
