package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
	"github.com/arjunkumar811/Excalidraw/internal/board"
	"github.com/arjunkumar811/Excalidraw/internal/client"
	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/fanout"
	"github.com/arjunkumar811/Excalidraw/internal/history"
	"github.com/arjunkumar811/Excalidraw/internal/presence"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
	"github.com/arjunkumar811/Excalidraw/internal/relay"
	"github.com/arjunkumar811/Excalidraw/internal/scene"
	"github.com/arjunkumar811/Excalidraw/internal/ws"
)

var secret = []byte("client-test-secret")

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stack is a single relay instance with an in-memory log.
type stack struct {
	reg    *registry.Registry
	store  *eventlog.MemoryStore
	server *ws.Server
	wsURL  string
	base   string
}

func startStack(t *testing.T) *stack {
	t.Helper()
	log := quiet()

	reg := registry.New()
	hub := fanout.New(reg, fanout.Options{Logger: log})
	sc := scene.New(0)
	mgr := presence.NewManager(presence.Config{Registry: reg, Hub: hub, Scene: sc, Logger: log})
	store := eventlog.NewMemoryStore()
	writer := eventlog.NewWriter(store, eventlog.WriterConfig{Logger: log})
	rl := relay.New(relay.Config{
		Registry: reg, Hub: hub, Presence: mgr, Scene: sc, Recorder: writer, Logger: log,
	})

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	cfg.Heartbeat = ws.HeartbeatConfig{}
	cfg.Logger = log
	srv, err := ws.NewServer(cfg, auth.NewVerifier(secret, auth.Options{}), func(ctx context.Context, c *ws.Connection, data []byte) {
		rl.Handle(ctx, c, data)
	})
	require.NoError(t, err)
	srv.SetOnConnect(func(c *ws.Connection) error {
		if !reg.Add(c, c.Identity()) {
			return fmt.Errorf("duplicate connection %s", c.ID())
		}
		return nil
	})
	srv.SetOnDisconnect(func(connID string) { rl.Disconnect(context.Background(), connID) })
	history.NewHandler(history.NewLoader(store, history.DefaultLimit, log), log).Register(srv.Router())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = writer.Close(ctx)
	})

	return &stack{
		reg:    reg,
		store:  store,
		server: srv,
		wsURL:  "ws://" + ln.Addr().String() + "/ws",
		base:   "http://" + ln.Addr().String(),
	}
}

func (s *stack) client(t *testing.T, token, room string, mutate func(*client.Config)) (*client.Client, <-chan error, context.CancelFunc) {
	t.Helper()
	cfg := client.Config{
		URL:     s.wsURL,
		Token:   token,
		RoomID:  room,
		Backoff: 20 * time.Millisecond,
		Board:   board.New(room, board.Options{}),
		History: client.HTTPHistory(s.base, nil),
		Logger:  quiet(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := client.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})
	return c, done, cancel
}

func connected(c *client.Client) func() bool {
	return func() bool {
		st, _ := c.State()
		return st == client.StateConnected
	}
}

func TestDrawingReachesPeersAndHistory(t *testing.T) {
	s := startStack(t)
	token, err := auth.Issue(secret, "alice", time.Hour)
	require.NoError(t, err)

	alice, _, _ := s.client(t, token, "board-1", nil)
	guest, _, _ := s.client(t, "guest_bob", "board-1", nil)
	require.Eventually(t, connected(alice), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(guest), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.reg.MemberCount("board-1") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Board().Begin(board.ToolRectangle, 0, 0))
	alice.Board().Move(40, 30)
	placed, err := alice.Place()
	require.NoError(t, err)

	require.Eventually(t, func() bool { return guest.Board().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	got, ok := guest.Board().Get(placed.ID)
	require.True(t, ok)
	assert.Equal(t, placed, got)

	// The guest's own drawing is relayed but not persisted.
	require.NoError(t, guest.Board().Begin(board.ToolCircle, 5, 5))
	guest.Board().Move(6, 6)
	_, err = guest.Place()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return alice.Board().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.store.Len("board-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	late, _, _ := s.client(t, "guest_carol", "board-1", nil)
	require.Eventually(t, connected(late), 2*time.Second, 10*time.Millisecond)
	els := late.Board().Elements()
	require.Len(t, els, 1)
	assert.Equal(t, placed.ID, els[0].ID)
}

func TestEraseAndChat(t *testing.T) {
	s := startStack(t)

	a, _, _ := s.client(t, "guest_a", "board-2", nil)
	b, _, _ := s.client(t, "guest_b", "board-2", nil)

	chats := make(chan protocol.ServerFrame, 1)
	b.On(protocol.TypeChat, func(f protocol.ServerFrame) { chats <- f })

	require.Eventually(t, connected(a), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(b), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.reg.MemberCount("board-2") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Board().Begin(board.ToolLine, 0, 0))
	placed, err := a.Place()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.Board().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Erase(placed.ID))
	require.Eventually(t, func() bool { return a.Board().Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Chat("hello"))
	select {
	case f := <-chats:
		assert.Equal(t, "hello", f.Message)
		assert.Equal(t, "guest_a", f.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("chat not delivered")
	}
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	s := startStack(t)
	c, done, _ := s.client(t, "not-a-token", "board-3", nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, client.ErrUnauthorized)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	st, _ := c.State()
	assert.Equal(t, client.StateClosed, st)
}

func TestReconnectRejoinsRoom(t *testing.T) {
	s := startStack(t)

	var (
		mu     sync.Mutex
		states []client.State
	)
	var failures atomic.Int32
	failures.Store(2)

	c, _, _ := s.client(t, "guest_flaky", "board-4", func(cfg *client.Config) {
		cfg.Dial = func(ctx context.Context, url string) (net.Conn, error) {
			if failures.Add(-1) >= 0 {
				return nil, errors.New("network down")
			}
			return client.Dial(ctx, url)
		}
		cfg.OnState = func(st client.State, retryAt time.Time) {
			if st == client.StateDisconnected && retryAt.IsZero() {
				t.Error("disconnected without a retry deadline")
			}
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		}
	})

	require.Eventually(t, connected(c), 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []client.State{
		client.StateDisconnected, client.StateConnecting,
		client.StateDisconnected, client.StateConnecting,
		client.StateConnected,
	}, states)
	mu.Unlock()
	require.Eventually(t, func() bool { return s.reg.MemberCount("board-4") == 1 }, 2*time.Second, 10*time.Millisecond)

	// Drop the connection from the server side.
	for _, conn := range s.server.Connections().All() {
		s.server.RemoveConnection(conn)
	}
	require.Eventually(t, func() bool { return c.Metrics().Connects == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, connected(c), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return s.reg.MemberCount("board-4") == 1 }, 2*time.Second, 10*time.Millisecond,
		"join_room is replayed on reconnect")
}

func TestCancelStopsRun(t *testing.T) {
	s := startStack(t)
	c, done, cancel := s.client(t, "guest_stop", "board-5", nil)
	require.Eventually(t, connected(c), 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	st, _ := c.State()
	assert.Equal(t, client.StateClosed, st)
	assert.ErrorIs(t, c.Send([]byte(`{}`)), client.ErrNotConnected)
}

func TestSendWhileDisconnected(t *testing.T) {
	c := client.New(client.Config{URL: "ws://127.0.0.1:1/ws", RoomID: "r", Logger: quiet()})
	assert.ErrorIs(t, c.Send([]byte(`{}`)), client.ErrNotConnected)
	st, _ := c.State()
	assert.Equal(t, client.StateConnecting, st)
	assert.Equal(t, "connecting", st.String())
}
