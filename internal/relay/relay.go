// Package relay accepts room events from connections, validates them, fans
// them out to the other members of the room and hands durable ones to the
// event log.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/fanout"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
	"github.com/arjunkumar811/Excalidraw/internal/presence"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
	"github.com/arjunkumar811/Excalidraw/internal/ratelimit"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
	"github.com/arjunkumar811/Excalidraw/internal/scene"
)

// Recorder accepts records for durable storage without blocking.
// *eventlog.Writer satisfies it.
type Recorder interface {
	Submit(rec eventlog.Record) error
}

// Limiter decides whether an identity may emit another event.
// *ratelimit.Limiter satisfies it.
type Limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Config wires a Relay. Recorder, Limiter and Scene are optional.
type Config struct {
	Registry *registry.Registry
	Hub      *fanout.Hub
	Presence *presence.Manager
	Scene    *scene.Cache
	Recorder Recorder
	Limiter  Limiter

	EchoToSender  bool // deliver events back to their sender as well
	PersistGuests bool // persist events authored by guest identities

	Logger *slog.Logger
	Now    func() time.Time
}

// Relay processes inbound frames.
type Relay struct {
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	dispatcher *MessageDispatcher
}

// New creates a Relay and registers its message handlers.
func New(cfg Config) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := &Relay{
		cfg:        cfg,
		logger:     cfg.Logger,
		now:        cfg.Now,
		dispatcher: NewMessageDispatcher(cfg.Logger),
	}

	r.dispatcher.Register(protocol.TypeJoinRoom, r.handleJoin)
	r.dispatcher.Register(protocol.TypeLeaveRoom, r.handleLeave)
	r.dispatcher.Register(protocol.TypeChat, r.handleChat)
	r.dispatcher.Register(protocol.TypeDrawing, r.handleDrawing)
	r.dispatcher.Register(protocol.TypeElementRemoved, r.handleElementRemoved)
	return r
}

// Handle processes one inbound frame from peer. It never closes the
// connection; protocol problems are reported to the sender as error frames.
func (r *Relay) Handle(ctx context.Context, peer registry.Peer, raw []byte) {
	start := time.Now()
	r.dispatcher.Dispatch(ctx, peer, raw)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

// Disconnect releases everything held for a closed connection.
func (r *Relay) Disconnect(ctx context.Context, connID string) {
	r.cfg.Presence.OnDisconnect(ctx, connID)
}

func (r *Relay) handleJoin(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage) {
	m := msg.(protocol.JoinRoomMsg)
	if err := r.cfg.Presence.Join(ctx, peer.ID(), m.RoomID); err != nil {
		r.logger.Warn("relay: join failed", "conn", peer.ID(), "room", m.RoomID, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(protocol.TypeJoinRoom, "accepted").Inc()
}

func (r *Relay) handleLeave(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage) {
	m := msg.(protocol.LeaveRoomMsg)
	if err := r.cfg.Presence.Leave(ctx, peer.ID(), m.RoomID); err != nil {
		r.logger.Warn("relay: leave failed", "conn", peer.ID(), "room", m.RoomID, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(protocol.TypeLeaveRoom, "accepted").Inc()
}

func (r *Relay) handleChat(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage) {
	m := msg.(protocol.ChatMsg)
	id, ok := r.sender(ctx, peer, m, ratelimit.RuleChat)
	if !ok {
		return
	}

	frame, err := protocol.Chat(m.RoomID, m.Text(), id.ID)
	if err != nil {
		r.logger.Error("relay: encode chat", "room", m.RoomID, "error", err)
		return
	}
	r.accept(peer, id, frame, eventlog.Record{
		RoomID:  m.RoomID,
		Kind:    eventlog.KindChat,
		Message: m.Text(),
	}, nil)
}

func (r *Relay) handleDrawing(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage) {
	m := msg.(protocol.DrawingMsg)
	id, ok := r.sender(ctx, peer, m, ratelimit.RuleDraw)
	if !ok {
		return
	}

	frame, err := protocol.Drawing(m.RoomID, m.Element())
	if err != nil {
		r.logger.Error("relay: encode drawing", "room", m.RoomID, "error", err)
		return
	}
	elementID := scene.ElementID(m.Element())
	r.accept(peer, id, frame, eventlog.Record{
		RoomID:    m.RoomID,
		Kind:      eventlog.KindDrawing,
		Message:   m.Element(),
		ElementID: elementID,
	}, func(sc *scene.Cache) {
		sc.Put(m.RoomID, elementID)
	})
}

func (r *Relay) handleElementRemoved(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage) {
	m := msg.(protocol.ElementRemovedMsg)
	id, ok := r.sender(ctx, peer, m, ratelimit.RuleDraw)
	if !ok {
		return
	}

	frame, err := protocol.ElementRemoved(m.RoomID, m.ElementID, id.ID)
	if err != nil {
		r.logger.Error("relay: encode removal", "room", m.RoomID, "error", err)
		return
	}
	r.accept(peer, id, frame, eventlog.Record{
		RoomID:    m.RoomID,
		Kind:      eventlog.KindElementRemoved,
		ElementID: m.ElementID,
	}, func(sc *scene.Cache) {
		sc.Remove(m.RoomID, m.ElementID)
	})
}

// sender resolves the identity behind peer and applies the rate limit for
// the event kind. It reports false when the event must be dropped.
func (r *Relay) sender(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage, rule ratelimit.Rule) (auth.Identity, bool) {
	id, ok := r.cfg.Registry.Identity(peer.ID())
	if !ok {
		r.logger.Debug("relay: event from unregistered connection", "conn", peer.ID())
		return auth.Identity{}, false
	}

	if r.cfg.Limiter == nil {
		return id, true
	}
	decision, err := r.cfg.Limiter.Check(ctx, id.ID, rule)
	if err != nil {
		r.logger.Debug("relay: rate limiter unavailable", "error", err)
	}
	if decision.Allowed {
		return id, true
	}

	metrics.EventsTotal.WithLabelValues(msg.MessageType(), "rate_limited").Inc()
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	frame, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: retry})
	if err == nil {
		_ = peer.Send(frame)
	}
	return auth.Identity{}, false
}

// accept fans the frame out and submits the record inside the room's
// critical section, so recipients and the log observe the same order.
func (r *Relay) accept(peer registry.Peer, id auth.Identity, frame []byte, rec eventlog.Record, apply func(*scene.Cache)) {
	rec.ID = uuid.NewString()
	rec.Author = id.ID
	rec.CreatedAt = r.now().UTC()

	exclude := peer.ID()
	if r.cfg.EchoToSender {
		exclude = ""
	}

	r.cfg.Hub.Locked(rec.RoomID, func() {
		// Rooms without local members keep no scene; presence clears it
		// only when a room empties.
		if apply != nil && r.cfg.Scene != nil && r.cfg.Registry.MemberCount(rec.RoomID) > 0 {
			apply(r.cfg.Scene)
		}
		n := r.cfg.Hub.Broadcast(rec.RoomID, frame, exclude)
		r.persist(id, rec)
		r.logger.Debug("relay: event accepted", "kind", rec.Kind, "room", rec.RoomID, "conn", peer.ID(), "recipients", n)
	})
	metrics.EventsTotal.WithLabelValues(rec.Kind, "accepted").Inc()
}

// persist must run under the room lock.
func (r *Relay) persist(id auth.Identity, rec eventlog.Record) {
	if r.cfg.Recorder == nil {
		return
	}
	if !id.Durable() && !r.cfg.PersistGuests {
		metrics.PersistTotal.WithLabelValues("skipped").Inc()
		return
	}
	if err := r.cfg.Recorder.Submit(rec); err != nil {
		var perr *eventlog.PersistenceError
		if !errors.As(err, &perr) {
			r.logger.Error("relay: submit failed", "room", rec.RoomID, "kind", rec.Kind, "error", err)
		}
	}
}
