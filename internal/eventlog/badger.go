package eventlog

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// seqBandwidth is the number of sequence numbers leased from badger at once.
const seqBandwidth = 128

var seqKey = []byte("seq:events")

// BadgerStore persists the log in an embedded BadgerDB.
//
// Keys are formatted as "evt:{hex(room)}:{seq_padded}" so that:
//  1. every room is a contiguous prefix, whatever characters its id contains;
//  2. a zero-padded sequence keeps entries in acceptance order lexicographically.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	log    *slog.Logger
	ownsDB bool

	mu     sync.RWMutex
	closed bool
}

// OpenBadger opens (or creates) a BadgerDB at path and wraps it in a store
// that closes the database with itself.
func OpenBadger(path string, log *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("eventlog: open badger %s: %w", path, err)
	}
	s, err := NewBadgerStore(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewBadgerStore wraps an open database. The caller keeps ownership of db.
func NewBadgerStore(db *badger.DB, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	seq, err := db.GetSequence(seqKey, seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("eventlog: lease sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, log: log}, nil
}

func roomPrefix(roomID string) []byte {
	return []byte("evt:" + hex.EncodeToString([]byte(roomID)) + ":")
}

func eventKey(roomID string, seq int64) []byte {
	return append(roomPrefix(roomID), fmt.Sprintf("%020d", seq)...)
}

func (s *BadgerStore) Append(ctx context.Context, rec Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("eventlog: next sequence: %w", err)
	}
	// Sequence numbers start at 0; the log starts at 1 like the SQL store.
	seq := int64(next) + 1

	body, err := Encode(rec)
	if err != nil {
		return 0, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(rec.RoomID, seq), body)
	})
	if err != nil {
		return 0, fmt.Errorf("eventlog: badger append: %w", err)
	}
	return seq, nil
}

// Recent scans the room prefix backwards from the highest possible key.
func (s *BadgerStore) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
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

	entries := make([]Entry, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := roomPrefix(roomID)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), "99999999999999999999"...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			item := it.Item()
			seq, err := strconv.ParseInt(string(item.Key()[len(prefix):]), 10, 64)
			if err != nil {
				s.log.Warn("eventlog: skipping unparseable key", "key", string(item.Key()))
				continue
			}
			body, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Seq: seq, Body: body})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: badger recent: %w", err)
	}
	return entries, nil
}

// Close releases the leased sequence range and, for stores created with
// OpenBadger, the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.seq.Release(); err != nil {
		s.log.Warn("eventlog: release sequence", "error", err)
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
