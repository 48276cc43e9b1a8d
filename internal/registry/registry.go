// Package registry tracks live connections, the identity behind each one and
// the rooms each connection has joined. Rooms are implicit: a room exists for
// as long as at least one registered connection is a member of it.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/arjunkumar811/Excalidraw/internal/auth"
)

// ErrUnknownConnection is returned when an operation names a connection that
// is not (or no longer) registered.
var ErrUnknownConnection = errors.New("registry: unknown connection")

// Peer is the sending side of a live connection. Send must not block on the
// network; implementations queue the frame.
type Peer interface {
	ID() string
	Send(data []byte) error
}

// Member is a room member as seen at snapshot time.
type Member struct {
	Peer     Peer
	Identity auth.Identity
}

// Stats summarizes the registry.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Memberships int `json:"memberships"`
}

type entry struct {
	peer     Peer
	identity auth.Identity
	rooms    map[string]struct{}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry            // conn id -> entry
	rooms map[string]map[string]*entry // room id -> conn id -> entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		rooms: make(map[string]map[string]*entry),
	}
}

// Add registers a peer under its ID. It returns false if a connection with
// the same ID is already registered.
func (r *Registry) Add(p Peer, id auth.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[p.ID()]; exists {
		return false
	}
	r.conns[p.ID()] = &entry{
		peer:     p,
		identity: id,
		rooms:    make(map[string]struct{}),
	}
	return true
}

// Remove unregisters a connection and drops it from all its rooms in one
// step. It returns the rooms the connection belonged to at removal time.
// Removing an unknown connection is a no-op that returns false.
func (r *Registry) Remove(connID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)

	rooms := lo.Keys(e.rooms)
	for _, roomID := range rooms {
		r.dropMemberLocked(roomID, connID)
	}
	slices.Sort(rooms)
	return rooms, true
}

// Join adds the connection to a room. It returns the room's local member
// count afterwards and whether the connection was newly added.
func (r *Registry) Join(connID, roomID string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return 0, false, ErrUnknownConnection
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*entry)
		r.rooms[roomID] = members
	}
	if _, already := members[connID]; already {
		return len(members), false, nil
	}
	members[connID] = e
	e.rooms[roomID] = struct{}{}
	return len(members), true, nil
}

// Leave removes the connection from a room. It returns the local member
// count afterwards and whether the connection had been a member.
func (r *Registry) Leave(connID, roomID string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return len(r.rooms[roomID]), false
	}
	if _, member := e.rooms[roomID]; !member {
		return len(r.rooms[roomID]), false
	}
	delete(e.rooms, roomID)
	r.dropMemberLocked(roomID, connID)
	return len(r.rooms[roomID]), true
}

func (r *Registry) dropMemberLocked(roomID, connID string) {
	members := r.rooms[roomID]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomsOf returns the sorted rooms a connection has joined.
func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	rooms := lo.Keys(e.rooms)
	slices.Sort(rooms)
	return rooms
}

// Members returns a snapshot of a room's members. The slice is safe to use
// without holding any lock.
func (r *Registry) Members(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.MapToSlice(r.rooms[roomID], func(_ string, e *entry) Member {
		return Member{Peer: e.peer, Identity: e.identity}
	})
}

// MemberCount returns the number of local members of a room.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	n := len(r.rooms[roomID])
	r.mu.RUnlock()
	return n
}

// IsMember reports whether the connection has joined the room.
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][connID]
	return ok
}

// Identity returns the identity a connection was registered with.
func (r *Registry) Identity(connID string) (auth.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return auth.Identity{}, false
	}
	return e.identity, true
}

// Peer returns the registered peer for a connection.
func (r *Registry) Peer(connID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

// Rooms returns the sorted ids of rooms with at least one member.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	rooms := lo.Keys(r.rooms)
	r.mu.RUnlock()
	slices.Sort(rooms)
	return rooms
}

// Stats returns a point-in-time summary.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.conns),
		Rooms:       len(r.rooms),
		Memberships: lo.SumBy(lo.Values(r.rooms), func(m map[string]*entry) int { return len(m) }),
	}
}
