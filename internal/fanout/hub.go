// Package fanout delivers accepted frames to the members of a room, serializes
// work per room and, when a bus is configured, mirrors every frame to the
// other relay instances subscribed to the same room.
package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/arjunkumar811/Excalidraw/internal/metrics"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
)

// DefaultStripes is the number of room locks used when Options.Stripes is 0.
const DefaultStripes = 256

// Bus carries room frames between instances. messaging.NATSClient satisfies it.
type Bus interface {
	PublishRoom(roomID string, data []byte) error
	SubscribeRoom(roomID string, handler func(data []byte)) error
	UnsubscribeRoom(roomID string) error
}

// Envelope is the bus payload. Origin identifies the publishing instance so
// that it can ignore its own frames.
type Envelope struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"roomId"`
	Frame  json.RawMessage `json:"frame"`
}

// Options configures a Hub.
type Options struct {
	Bus     Bus    // nil for single-instance deployments
	Origin  string // instance name, required with a bus
	Stripes int
	Logger  *slog.Logger
}

// Hub fans frames out to room members.
type Hub struct {
	reg    *registry.Registry
	bus    Bus
	origin string
	logger *slog.Logger
	locks  []sync.Mutex
}

// New creates a Hub over the given registry.
func New(reg *registry.Registry, opts Options) *Hub {
	if opts.Stripes <= 0 {
		opts.Stripes = DefaultStripes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		reg:    reg,
		bus:    opts.Bus,
		origin: opts.Origin,
		logger: opts.Logger,
		locks:  make([]sync.Mutex, opts.Stripes),
	}
}

func (h *Hub) lockFor(roomID string) *sync.Mutex {
	return &h.locks[xxhash.Sum64String(roomID)%uint64(len(h.locks))]
}

// Locked runs fn while holding the room's lock. Everything done inside fn is
// ordered with respect to every other Locked call for the same room. fn must
// not call Locked again.
func (h *Hub) Locked(roomID string, fn func()) {
	mu := h.lockFor(roomID)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// Deliver queues frame to every local member of the room except the
// connection named by exclude. It returns the number of successful queues.
func (h *Hub) Deliver(roomID string, frame []byte, exclude string) int {
	return h.deliver(roomID, frame, exclude, "local")
}

func (h *Hub) deliver(roomID string, frame []byte, exclude, origin string) int {
	delivered := 0
	for _, m := range h.reg.Members(roomID) {
		if m.Peer.ID() == exclude {
			continue
		}
		if err := m.Peer.Send(frame); err != nil {
			h.logger.Debug("fanout: send failed", "conn", m.Peer.ID(), "room", roomID, "error", err)
			continue
		}
		delivered++
	}
	metrics.FanoutDeliveries.WithLabelValues(origin).Add(float64(delivered))
	return delivered
}

// Broadcast delivers locally like Deliver and then publishes the frame to the
// bus. Bus failures are logged; local delivery is never affected.
func (h *Hub) Broadcast(roomID string, frame []byte, exclude string) int {
	n := h.Deliver(roomID, frame, exclude)
	if h.bus == nil {
		return n
	}

	data, err := json.Marshal(Envelope{Origin: h.origin, RoomID: roomID, Frame: frame})
	if err != nil {
		h.logger.Error("fanout: failed to encode envelope", "room", roomID, "error", err)
		return n
	}
	if err := h.bus.PublishRoom(roomID, data); err != nil {
		h.logger.Warn("fanout: publish failed", "room", roomID, "error", err)
	}
	return n
}

// Attach subscribes the instance to a room's bus traffic. It is called when
// the first local member joins.
func (h *Hub) Attach(roomID string) error {
	if h.bus == nil {
		return nil
	}
	if err := h.bus.SubscribeRoom(roomID, h.handleRemote); err != nil {
		return fmt.Errorf("fanout: attach %s: %w", roomID, err)
	}
	return nil
}

// Detach drops the room's bus subscription once no local member remains.
func (h *Hub) Detach(roomID string) error {
	if h.bus == nil {
		return nil
	}
	if err := h.bus.UnsubscribeRoom(roomID); err != nil {
		return fmt.Errorf("fanout: detach %s: %w", roomID, err)
	}
	return nil
}

func (h *Hub) handleRemote(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn("fanout: dropping undecodable envelope", "error", err)
		return
	}
	if env.Origin == h.origin || env.RoomID == "" || len(env.Frame) == 0 {
		return
	}
	h.Locked(env.RoomID, func() {
		h.deliver(env.RoomID, env.Frame, "", "remote")
	})
}
