// Package scene keeps a bounded, in-memory index of the element ids placed in
// each room, in placement order. It is a cache for operational stats; the
// durable log remains the source of truth.
package scene

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// DefaultMaxElements is the per-room capacity used when none is given.
const DefaultMaxElements = 10000

// Cache stores the element ids of every room. It is goroutine-safe.
type Cache struct {
	mu    sync.RWMutex
	max   int
	rooms map[string]*roomScene // roomID -> scene
}

type roomScene struct {
	order []string
	ids   map[string]struct{}
}

// New creates an empty Cache holding at most max ids per room.
func New(max int) *Cache {
	if max <= 0 {
		max = DefaultMaxElements
	}
	return &Cache{
		max:   max,
		rooms: make(map[string]*roomScene),
	}
}

// Put records an element id. Re-placing a known id keeps its position. Once
// a room is full the oldest id is evicted.
func (c *Cache) Put(roomID, elementID string) {
	if elementID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		rs = &roomScene{ids: make(map[string]struct{})}
		c.rooms[roomID] = rs
	}
	if _, known := rs.ids[elementID]; known {
		return
	}
	if len(rs.order) >= c.max {
		delete(rs.ids, rs.order[0])
		rs.order = rs.order[1:]
	}
	rs.order = append(rs.order, elementID)
	rs.ids[elementID] = struct{}{}
}

// Remove drops an element id. It reports whether the id was present.
func (c *Cache) Remove(roomID, elementID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if _, known := rs.ids[elementID]; !known {
		return false
	}
	delete(rs.ids, elementID)
	rs.order = slices.DeleteFunc(rs.order, func(id string) bool { return id == elementID })
	if len(rs.order) == 0 {
		delete(c.rooms, roomID)
	}
	return true
}

// IDs returns the room's element ids, oldest first. It returns an empty,
// non-nil slice for unknown rooms.
func (c *Cache) IDs(roomID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rs, ok := c.rooms[roomID]
	if !ok {
		return []string{}
	}
	return slices.Clone(rs.order)
}

// Len returns the number of ids held for a room.
func (c *Cache) Len(roomID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if rs, ok := c.rooms[roomID]; ok {
		return len(rs.order)
	}
	return 0
}

// Total returns the number of ids held across all rooms.
func (c *Cache) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lo.SumBy(lo.Values(c.rooms), func(rs *roomScene) int { return len(rs.order) })
}

// Clear deletes a room's scene (called when the room empties).
func (c *Cache) Clear(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rooms, roomID)
}

// ElementID extracts the "id" of an encoded element. It returns "" when the
// message is not an object or carries no string id.
func ElementID(message string) string {
	var head struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal([]byte(message), &head); err != nil {
		return ""
	}
	id, _ := head.ID.(string)
	return id
}
