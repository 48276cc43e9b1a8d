package eventlog

import (
	"context"
	"sync"
)

// MemoryStore keeps the log in process memory. It is the default store for
// development and the reference behavior for the other stores.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    int64
	rooms  map[string][]Entry
	closed bool
}

// NewMemoryStore creates an empty in-memory log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	body, err := Encode(rec)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.seq++
	s.rooms[rec.RoomID] = append(s.rooms[rec.RoomID], Entry{Seq: s.seq, Body: body})
	return s.seq, nil
}

// AppendRaw stores an already encoded body. It exists so that damaged
// entries can be simulated.
func (s *MemoryStore) AppendRaw(roomID string, body []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.rooms[roomID] = append(s.rooms[roomID], Entry{Seq: s.seq, Body: body})
	return s.seq
}

func (s *MemoryStore) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries := s.rooms[roomID]
	out := make([]Entry, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// Len returns the number of entries stored for a room.
func (s *MemoryStore) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
