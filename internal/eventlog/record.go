// Package eventlog is the durable, append-only, per-room event log. Stores
// keep encoded records in acceptance order; a Writer feeds them from the
// relay without ever blocking fan-out.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event kinds that are persisted.
const (
	KindChat           = "chat"
	KindDrawing        = "drawing"
	KindElementRemoved = "elementRemoved"
)

// ErrClosed is returned by stores and writers after Close.
var ErrClosed = errors.New("eventlog: closed")

// Record is one accepted room event.
type Record struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"` // assigned by the store
	RoomID    string    `json:"roomId"`
	Kind      string    `json:"type"`
	Author    string    `json:"userId,omitempty"`
	Message   string    `json:"message,omitempty"`
	ElementID string    `json:"elementId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is a stored record in its encoded form. Decoding is left to the
// reader so that a single damaged entry can be skipped.
type Entry struct {
	Seq  int64
	Body []byte
}

// Store is an append-only per-room log.
type Store interface {
	// Append persists rec and returns its store-assigned sequence number.
	Append(ctx context.Context, rec Record) (int64, error)
	// Recent returns up to limit entries for roomID, most recent first.
	Recent(ctx context.Context, roomID string, limit int) ([]Entry, error)
	Close() error
}

// Encode serializes a record for storage.
func Encode(rec Record) ([]byte, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode record: %w", err)
	}
	return b, nil
}

// Decode parses a stored entry.
func Decode(e Entry) (Record, error) {
	var rec Record
	if err := json.Unmarshal(e.Body, &rec); err != nil {
		return Record{}, fmt.Errorf("eventlog: decode entry %d: %w", e.Seq, err)
	}
	rec.Seq = e.Seq
	return rec, nil
}

// KnownKind reports whether kind names a persisted event kind.
func KnownKind(kind string) bool {
	switch kind {
	case KindChat, KindDrawing, KindElementRemoved:
		return true
	}
	return false
}
