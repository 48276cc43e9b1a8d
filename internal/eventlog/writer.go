package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arjunkumar811/Excalidraw/internal/metrics"
)

// ErrQueueFull is wrapped by the PersistenceError returned when the writer
// cannot accept another record.
var ErrQueueFull = errors.New("eventlog: persist queue full")

// PersistenceError reports a record that did not reach the store.
type PersistenceError struct {
	RoomID string
	Kind   string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("eventlog: persist %s event for room %s: %v", e.Kind, e.RoomID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// WriterConfig tunes a Writer.
type WriterConfig struct {
	QueueSize int
	Timeout   time.Duration // per-append deadline
	Logger    *slog.Logger
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize: 1024,
		Timeout:   5 * time.Second,
	}
}

// Writer appends records to a Store on a single goroutine, so the store sees
// records in submission order.
type Writer struct {
	store   Store
	cfg     WriterConfig
	logger  *slog.Logger
	queue   chan Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	onError func(*PersistenceError)
}

// NewWriter starts a writer over store.
func NewWriter(store Store, cfg WriterConfig) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	w := &Writer{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// OnError registers a callback invoked for every failed append. It must be
// set before the first Submit.
func (w *Writer) OnError(fn func(*PersistenceError)) {
	w.onError = fn
}

// Submit queues rec without blocking. When the queue is full the record is
// dropped and a *PersistenceError wrapping ErrQueueFull is returned.
func (w *Writer) Submit(rec Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return &PersistenceError{RoomID: rec.RoomID, Kind: rec.Kind, Err: ErrClosed}
	}

	select {
	case w.queue <- rec:
		return nil
	default:
		perr := &PersistenceError{RoomID: rec.RoomID, Kind: rec.Kind, Err: ErrQueueFull}
		metrics.PersistTotal.WithLabelValues("dropped").Inc()
		w.logger.Error("eventlog: dropping record", "room", rec.RoomID, "kind", rec.Kind, "error", perr)
		w.report(perr)
		return perr
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.queue {
		w.append(rec)
	}
}

func (w *Writer) append(rec Record) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()

	start := time.Now()
	_, err := w.store.Append(ctx, rec)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		perr := &PersistenceError{RoomID: rec.RoomID, Kind: rec.Kind, Err: err}
		metrics.PersistTotal.WithLabelValues("error").Inc()
		w.logger.Error("eventlog: append failed", "room", rec.RoomID, "kind", rec.Kind, "error", err)
		w.report(perr)
		return
	}
	metrics.PersistTotal.WithLabelValues("ok").Inc()
}

func (w *Writer) report(perr *PersistenceError) {
	if w.onError != nil {
		w.onError(perr)
	}
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// Close stops accepting records and waits until the queue is drained or ctx
// is done. It does not close the store.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventlog: drain writer: %w (%d pending)", ctx.Err(), len(w.queue))
	}
}
