// Package board holds a client's local view of a room: the ordered list of
// placed elements, the gesture in progress, and a local undo/redo history
// that is never shared with the room.
package board

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/arjunkumar811/Excalidraw/internal/eventlog"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
)

var (
	// ErrNoGesture is returned by End when no gesture is in progress.
	ErrNoGesture = errors.New("board: no gesture in progress")

	// ErrUnknownElement is returned by Erase for an id that is not placed.
	ErrUnknownElement = errors.New("board: unknown element")
)

// Style is applied to every element the local user draws.
type Style struct {
	StrokeColor string
	FillColor   string
	StrokeWidth float64
}

// DefaultStyle matches the stock canvas pen.
func DefaultStyle() Style {
	return Style{StrokeColor: "#000000", StrokeWidth: 2}
}

// Options configures a Board.
type Options struct {
	Style Style
	NewID func() string // defaults to uuid.NewString
}

// Board is safe for concurrent use: remote frames are applied from the
// connection's goroutine while gestures come from the user.
type Board struct {
	mu       sync.Mutex
	roomID   string
	style    Style
	newID    func() string
	elements []Element
	current  *Element

	undo []string  // ids placed locally, most recent last
	redo []Element // elements taken back by Undo
}

// New creates an empty board for a room.
func New(roomID string, opts Options) *Board {
	if opts.Style == (Style{}) {
		opts.Style = DefaultStyle()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Board{roomID: roomID, style: opts.Style, newID: opts.NewID}
}

// RoomID returns the room the board mirrors.
func (b *Board) RoomID() string { return b.roomID }

// Begin starts a gesture at (x, y). A gesture already in progress is
// discarded.
func (b *Board) Begin(tool Tool, x, y float64) error {
	e, err := start(tool, b.newID(), x, y, b.style)
	if err != nil {
		return fmt.Errorf("%w: %s", err, tool)
	}

	b.mu.Lock()
	b.current = &e
	b.mu.Unlock()
	return nil
}

// Move updates the gesture and returns the preview to draw. Previews are
// local only. The second result is false when no gesture is in progress.
func (b *Board) Move(x, y float64) (Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Element{}, false
	}
	b.current.drag(x, y)
	return b.current.clone(), true
}

// SetText sets the text of a text gesture in progress.
func (b *Board) SetText(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.Text = text
	}
}

// Preview returns the gesture in progress, if any.
func (b *Board) Preview() (Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Element{}, false
	}
	return b.current.clone(), true
}

// Cancel abandons the gesture in progress without placing anything.
func (b *Board) Cancel() {
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
}

// End places the gesture's element locally and returns it together with
// the single drawing frame to send to the relay.
func (b *Board) End() (Element, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return Element{}, nil, ErrNoGesture
	}
	e := *b.current
	b.current = nil

	frame, err := b.drawingFrame(e)
	if err != nil {
		return Element{}, nil, err
	}

	b.putLocked(e)
	b.undo = append(b.undo, e.ID)
	b.redo = nil
	return e.clone(), frame, nil
}

func (b *Board) drawingFrame(e Element) ([]byte, error) {
	message, err := e.Encode()
	if err != nil {
		return nil, fmt.Errorf("board: encode element: %w", err)
	}
	return protocol.NewClientMessage(protocol.DrawingMsg{RoomID: b.roomID, Message: &message})
}

// Apply folds a relayed frame into the board. It reports whether the
// element list changed. Frames for other rooms, unknown kinds and drawings
// that do not decode are ignored.
func (b *Board) Apply(f protocol.ServerFrame) bool {
	if f.RoomID != b.roomID {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch f.Type {
	case protocol.TypeDrawing:
		e, ok := ParseElement(f.Message)
		if !ok {
			return false
		}
		b.putLocked(e)
		return true
	case protocol.TypeElementRemoved:
		return b.removeLocked(f.ElementID)
	default:
		return false
	}
}

// Load replaces the board's contents with the room's history, oldest
// first. Drawings that do not decode to an element with a type and an id
// are skipped; removals apply in order. Local undo/redo history is reset.
func (b *Board) Load(records []eventlog.Record) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.elements = nil
	b.undo, b.redo = nil, nil

	for _, rec := range records {
		if rec.RoomID != "" && rec.RoomID != b.roomID {
			continue
		}
		switch rec.Kind {
		case eventlog.KindDrawing:
			if e, ok := ParseElement(rec.Message); ok {
				b.putLocked(e)
			}
		case eventlog.KindElementRemoved:
			b.removeLocked(rec.ElementID)
		}
	}
	return len(b.elements)
}

// Undo takes back the most recent element the local user placed that is
// still on the board. Nothing is sent to the room.
func (b *Board) Undo() (Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.undo) > 0 {
		id := b.undo[len(b.undo)-1]
		b.undo = b.undo[:len(b.undo)-1]

		e, _, ok := lo.FindIndexOf(b.elements, func(e Element) bool { return e.ID == id })
		if !ok {
			continue // removed by someone else in the meantime
		}
		b.removeLocked(id)
		b.redo = append(b.redo, e)
		return e.clone(), true
	}
	return Element{}, false
}

// Redo puts back the element most recently taken back by Undo. Nothing is
// sent to the room.
func (b *Board) Redo() (Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.redo) == 0 {
		return Element{}, false
	}
	e := b.redo[len(b.redo)-1]
	b.redo = b.redo[:len(b.redo)-1]

	b.putLocked(e)
	b.undo = append(b.undo, e.ID)
	return e.clone(), true
}

// CanUndo and CanRedo report whether the local history has steps left.
func (b *Board) CanUndo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.ContainsBy(b.undo, func(id string) bool { return b.indexLocked(id) >= 0 })
}

func (b *Board) CanRedo() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.redo) > 0
}

// Erase removes an element locally and returns the elementRemoved frame
// that retracts it for everyone in the room.
func (b *Board) Erase(id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.removeLocked(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	return protocol.NewClientMessage(protocol.ElementRemovedMsg{RoomID: b.roomID, ElementID: id})
}

// Elements returns a copy of the placed elements in drawing order.
func (b *Board) Elements() []Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.Map(b.elements, func(e Element, _ int) Element { return e.clone() })
}

// Get returns the placed element with the given id.
func (b *Board) Get(id string) (Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.indexLocked(id); i >= 0 {
		return b.elements[i].clone(), true
	}
	return Element{}, false
}

// Len returns the number of placed elements.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.elements)
}

func (b *Board) indexLocked(id string) int {
	_, i, _ := lo.FindIndexOf(b.elements, func(e Element) bool { return e.ID == id })
	return i
}

// putLocked replaces the element with the same id in place, or appends.
func (b *Board) putLocked(e Element) {
	if i := b.indexLocked(e.ID); i >= 0 {
		b.elements[i] = e
		return
	}
	b.elements = append(b.elements, e)
}

func (b *Board) removeLocked(id string) bool {
	i := b.indexLocked(id)
	if i < 0 {
		return false
	}
	b.elements = append(b.elements[:i], b.elements[i+1:]...)
	return true
}
