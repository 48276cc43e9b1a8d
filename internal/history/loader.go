// Package history serves the recent event log of a room to late joiners, both
// as a lazy iterator and over HTTP.
package history

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"

	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/metrics"
)

// DefaultLimit caps a single history load.
const DefaultLimit = 50

// Loader reads recent room events from a store.
type Loader struct {
	store  eventlog.Store
	max    int
	logger *slog.Logger
}

// NewLoader creates a Loader whose loads never exceed max entries.
func NewLoader(store eventlog.Store, max int, logger *slog.Logger) *Loader {
	if max <= 0 {
		max = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, max: max, logger: logger}
}

// Clamp bounds a requested limit to [1, max]. Zero or negative means max.
func (l *Loader) Clamp(limit int) int {
	if limit <= 0 || limit > l.max {
		return l.max
	}
	return limit
}

// Recent yields up to limit of the room's most recent events, oldest first.
// The store is queried when iteration starts, and again on every new range.
// Malformed entries are skipped. A store failure is yielded once as the
// error of a zero Record and ends the sequence.
func (l *Loader) Recent(ctx context.Context, roomID string, limit int) iter.Seq2[eventlog.Record, error] {
	limit = l.Clamp(limit)
	return func(yield func(eventlog.Record, error) bool) {
		entries, err := l.store.Recent(ctx, roomID, limit)
		if err != nil {
			yield(eventlog.Record{}, err)
			return
		}

		for i := len(entries) - 1; i >= 0; i-- {
			rec, ok := l.accept(roomID, entries[i])
			if !ok {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Collect drains Recent into a slice. The slice is never nil.
func (l *Loader) Collect(ctx context.Context, roomID string, limit int) ([]eventlog.Record, error) {
	out := make([]eventlog.Record, 0, l.Clamp(limit))
	for rec, err := range l.Recent(ctx, roomID, limit) {
		if err != nil {
			return []eventlog.Record{}, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (l *Loader) accept(roomID string, e eventlog.Entry) (eventlog.Record, bool) {
	rec, err := eventlog.Decode(e)
	reason := ""
	switch {
	case err != nil:
		reason = "undecodable"
	case rec.RoomID == "" || rec.RoomID != roomID:
		reason = "room mismatch"
	case !eventlog.KnownKind(rec.Kind):
		reason = "unknown kind"
	case rec.Kind == eventlog.KindDrawing && !json.Valid([]byte(rec.Message)):
		reason = "drawing is not json"
	case rec.Kind == eventlog.KindElementRemoved && rec.ElementID == "":
		reason = "removal without element"
	}
	if reason != "" {
		metrics.HistorySkipped.Inc()
		l.logger.Debug("history: skipping entry", "room", roomID, "seq", e.Seq, "reason", reason)
		return eventlog.Record{}, false
	}
	return rec, true
}
