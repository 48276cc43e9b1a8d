// Package presence manages room membership and pushes the size of a room to
// its members whenever it changes.
package presence

import (
	"context"
	"log/slog"
	"sync"

	"github.com/arjunkumar811/Excalidraw/internal/fanout"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
	"github.com/arjunkumar811/Excalidraw/internal/scene"
)

// Manager owns join, leave and disconnect handling.
type Manager struct {
	reg     *registry.Registry
	hub     *fanout.Hub
	counter Counter
	scene   *scene.Cache
	logger  *slog.Logger

	// shared counts are published to the bus; local ones reach local
	// members only.
	shared bool

	mu   sync.Mutex
	open map[string]struct{}
}

// Config holds the Manager's collaborators. Counter defaults to a
// LocalCounter and Scene may be nil.
type Config struct {
	Registry *registry.Registry
	Hub      *fanout.Hub
	Counter  Counter
	Scene    *scene.Cache
	Logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Counter == nil {
		cfg.Counter = NewLocalCounter(cfg.Registry)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cw, ok := cfg.Counter.(clusterWide)
	return &Manager{
		reg:     cfg.Registry,
		hub:     cfg.Hub,
		counter: cfg.Counter,
		scene:   cfg.Scene,
		logger:  cfg.Logger,
		shared:  ok && cw.ClusterWide(),
		open:    make(map[string]struct{}),
	}
}

// Join adds the connection to the room and sends the new count to every
// member, the joiner included. Joining twice only repeats the broadcast.
func (m *Manager) Join(ctx context.Context, connID, roomID string) error {
	var joinErr error
	m.hub.Locked(roomID, func() {
		local, added, err := m.reg.Join(connID, roomID)
		if err != nil {
			joinErr = err
			return
		}

		var count int
		if added {
			m.roomOpened(roomID)
			count, err = m.counter.Added(ctx, roomID, connID)
		} else {
			count, err = m.counter.Count(ctx, roomID)
		}
		if err != nil {
			m.logger.Warn("presence: counter failed, using local count", "room", roomID, "error", err)
			count = local
		}

		m.logger.Debug("presence: joined", "conn", connID, "room", roomID, "count", count)
		m.broadcast(roomID, count)
	})
	return joinErr
}

// Leave removes the connection from the room and sends the new count to the
// remaining members. Leaving a room the connection is not in does nothing.
func (m *Manager) Leave(ctx context.Context, connID, roomID string) error {
	m.hub.Locked(roomID, func() {
		local, removed := m.reg.Leave(connID, roomID)
		if !removed {
			return
		}
		m.memberGone(ctx, connID, roomID, local)
	})
	return nil
}

// OnDisconnect removes the connection from the registry and from every room
// it had joined, then refreshes the count of each of those rooms using the
// surviving members only. Calling it twice is harmless.
func (m *Manager) OnDisconnect(ctx context.Context, connID string) {
	rooms, ok := m.reg.Remove(connID)
	if !ok {
		return
	}
	m.departed(ctx, connID, rooms)
}

// departed refreshes rooms the connection was removed from. Another member
// may have joined since the removal; the open set keeps room open and close
// transitions paired regardless.
func (m *Manager) departed(ctx context.Context, connID string, rooms []string) {
	for _, roomID := range rooms {
		m.hub.Locked(roomID, func() {
			m.memberGone(ctx, connID, roomID, m.reg.MemberCount(roomID))
		})
	}
	m.logger.Debug("presence: disconnected", "conn", connID, "rooms", len(rooms))
}

// memberGone must run under the room lock.
func (m *Manager) memberGone(ctx context.Context, connID, roomID string, local int) {
	count, err := m.counter.Removed(ctx, roomID, connID)
	if err != nil {
		m.logger.Warn("presence: counter failed, using local count", "room", roomID, "error", err)
		count = local
	}
	if local == 0 {
		m.roomClosed(roomID)
	}
	m.broadcast(roomID, count)
}

// roomOpened and roomClosed must run under the room lock. Each acts once
// per transition of the room between empty and occupied.
func (m *Manager) roomOpened(roomID string) {
	m.mu.Lock()
	_, already := m.open[roomID]
	m.open[roomID] = struct{}{}
	m.mu.Unlock()
	if already {
		return
	}

	metrics.ActiveRooms.Inc()
	if err := m.hub.Attach(roomID); err != nil {
		m.logger.Warn("presence: room attach failed", "room", roomID, "error", err)
	}
}

func (m *Manager) roomClosed(roomID string) {
	m.mu.Lock()
	_, wasOpen := m.open[roomID]
	delete(m.open, roomID)
	m.mu.Unlock()
	if !wasOpen {
		return
	}

	metrics.ActiveRooms.Dec()
	if err := m.hub.Detach(roomID); err != nil {
		m.logger.Warn("presence: room detach failed", "room", roomID, "error", err)
	}
	if m.scene != nil {
		m.scene.Clear(roomID)
	}
}

func (m *Manager) broadcast(roomID string, count int) {
	frame, err := protocol.UserCount(roomID, count)
	if err != nil {
		m.logger.Error("presence: encode count", "room", roomID, "error", err)
		return
	}
	metrics.PresenceBroadcasts.Inc()
	if m.shared {
		m.hub.Broadcast(roomID, frame, "")
		return
	}
	m.hub.Deliver(roomID, frame, "")
}
