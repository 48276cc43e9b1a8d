// Package client keeps a board in sync with a room over a relay connection.
// The connection lifecycle is an explicit state machine driven by Run:
//
//	Connecting -> Connected -> Disconnected(retryAt) -> Connecting
//
// Every transition into Connected re-sends join_room and reloads history.
// Closed is terminal.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/arjunkumar811/Excalidraw/internal/board"
	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
)

// DefaultBackoff is the fixed delay between reconnect attempts.
const DefaultBackoff = 2 * time.Second

var (
	// ErrNotConnected is returned by Send while there is no live connection.
	ErrNotConnected = errors.New("client: not connected")

	// ErrUnauthorized is returned by Run when the relay refused the token.
	// The client does not retry with a credential that was refused.
	ErrUnauthorized = errors.New("client: unauthorized")
)

// State is a connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DialFunc opens a WebSocket connection to url.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// HistoryFunc fetches a room's backlog, oldest first.
type HistoryFunc func(ctx context.Context, roomID string) ([]eventlog.Record, error)

// Config configures a Client.
type Config struct {
	URL     string // relay endpoint, e.g. ws://localhost:8080/ws
	Token   string // token or guest credential
	RoomID  string
	Backoff time.Duration

	Board   *board.Board // created for RoomID when nil
	Dial    DialFunc     // defaults to gobwas ws.Dial
	History HistoryFunc  // nil skips the history reload

	// OnState is called on every state change with the retry deadline when
	// the new state is Disconnected.
	OnState func(state State, retryAt time.Time)
	Logger  *slog.Logger
}

// Metrics tracks per-client traffic.
type Metrics struct {
	Connects         int
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one participant in a room.
type Client struct {
	cfg    Config
	board  *board.Board
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	retryAt  time.Time
	conn     net.Conn
	metrics  Metrics
	handlers map[string]func(protocol.ServerFrame)

	writeMu sync.Mutex
}

// New creates a client. Nothing happens until Run.
func New(cfg Config) *Client {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	if cfg.Board == nil {
		cfg.Board = board.New(cfg.RoomID, board.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		board:    cfg.Board,
		logger:   cfg.Logger.With("component", "client", "room", cfg.RoomID),
		state:    StateConnecting,
		handlers: make(map[string]func(protocol.ServerFrame)),
	}
}

// Board returns the board kept in sync by the client.
func (c *Client) Board() *board.Board { return c.board }

// On registers a handler for a server frame type, called from the read loop
// after the frame was applied to the board. Only one handler per type is
// supported; register before Run.
func (c *Client) On(msgType string, handler func(protocol.ServerFrame)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// State returns the current state and, when Disconnected, the time of the
// next attempt.
func (c *Client) State() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.retryAt
}

// Metrics returns a snapshot of the traffic counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Run drives the state machine until ctx is cancelled or the relay refuses
// the credential. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	for {
		state, retryAt := c.State()

		switch state {
		case StateConnecting:
			conn, err := c.connect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.transition(StateClosed)
					continue
				}
				c.logger.Warn("client: connect failed", "error", err)
				c.countError()
				c.transition(StateDisconnected)
				continue
			}
			c.attach(conn)
			c.transition(StateConnected)

		case StateConnected:
			err := c.serve(ctx)
			c.detach()
			switch {
			case ctx.Err() != nil:
				c.transition(StateClosed)
			case errors.Is(err, ErrUnauthorized):
				c.transition(StateClosed)
				return err
			default:
				c.logger.Info("client: connection lost", "error", err)
				c.transition(StateDisconnected)
			}

		case StateDisconnected:
			timer := time.NewTimer(time.Until(retryAt))
			select {
			case <-ctx.Done():
				timer.Stop()
				c.transition(StateClosed)
			case <-timer.C:
				c.transition(StateConnecting)
			}

		case StateClosed:
			return nil
		}
	}
}

func (c *Client) transition(next State) {
	c.mu.Lock()
	c.state = next
	if next == StateDisconnected {
		c.retryAt = time.Now().Add(c.cfg.Backoff)
	} else {
		c.retryAt = time.Time{}
	}
	retryAt := c.retryAt
	c.mu.Unlock()

	c.logger.Debug("client: state", "state", next.String())
	if c.cfg.OnState != nil {
		c.cfg.OnState(next, retryAt)
	}
}

// connect dials, re-joins the room and reloads history. Frames that arrive
// meanwhile wait in the socket and are applied after the reload.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	target, err := withToken(c.cfg.URL, c.cfg.Token)
	if err != nil {
		return nil, err
	}

	conn, err := c.cfg.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	join, err := protocol.JoinRoom(c.cfg.RoomID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.write(conn, join); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: join_room: %w", err)
	}

	if c.cfg.History != nil {
		records, err := c.cfg.History(ctx, c.cfg.RoomID)
		if err != nil {
			c.logger.Warn("client: history reload failed", "error", err)
			c.countError()
		} else {
			n := c.board.Load(records)
			c.logger.Debug("client: history loaded", "records", len(records), "elements", n)
		}
	}

	c.mu.Lock()
	c.metrics.Connects++
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// serve reads frames until the connection drops or ctx is cancelled.
func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		hdr, r, err := wsutil.NextReader(conn, ws.StateClientSide)
		if err != nil {
			return err
		}

		if hdr.OpCode.IsControl() {
			payload, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			switch hdr.OpCode {
			case ws.OpClose:
				return io.EOF
			case ws.OpPing:
				if err := c.writeFrame(conn, ws.NewPongFrame(payload)); err != nil {
					return err
				}
			}
			continue
		}

		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if err := c.handle(data); err != nil {
			return err
		}
	}
}

func (c *Client) handle(data []byte) error {
	f, err := protocol.ParseServerMessage(data)
	if err != nil {
		c.logger.Debug("client: undecodable frame", "error", err)
		c.countError()
		return nil
	}
	if f.Type == "" && f.Message == "Unauthorized" {
		return ErrUnauthorized
	}

	c.board.Apply(f)

	c.mu.Lock()
	c.metrics.MessagesReceived++
	handler := c.handlers[f.Type]
	c.mu.Unlock()

	if handler != nil {
		handler(f)
	}
	return nil
}

// Send writes a frame to the relay. It is goroutine-safe.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.write(conn, frame); err != nil {
		c.countError()
		return fmt.Errorf("client: send: %w", err)
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Chat sends a chat message to the room.
func (c *Client) Chat(text string) error {
	frame, err := protocol.NewClientMessage(protocol.ChatMsg{RoomID: c.cfg.RoomID, Message: &text})
	if err != nil {
		return err
	}
	return c.Send(frame)
}

// Place finishes the board's current gesture and sends the element.
func (c *Client) Place() (board.Element, error) {
	e, frame, err := c.board.End()
	if err != nil {
		return board.Element{}, err
	}
	return e, c.Send(frame)
}

// Erase removes an element for everyone in the room.
func (c *Client) Erase(id string) error {
	frame, err := c.board.Erase(id)
	if err != nil {
		return err
	}
	return c.Send(frame)
}

func (c *Client) write(conn net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

func (c *Client) writeFrame(conn net.Conn, f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(conn, ws.MaskFrameInPlace(f))
}

func (c *Client) countError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("client: invalid url %q: %w", raw, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens a connection with the gobwas dialer. Bytes the dialer read
// past the handshake are replayed before the socket.
func Dial(ctx context.Context, url string) (net.Conn, error) {
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if br != nil {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn reads from r until it is drained, then returns r to the
// gobwas pool and reads the socket directly. Reads must not be concurrent.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r != nil {
		if c.r.Buffered() > 0 {
			return c.r.Read(p)
		}
		ws.PutReader(c.r)
		c.r = nil
	}
	return c.Conn.Read(p)
}
