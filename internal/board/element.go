package board

import (
	"encoding/json"
	"errors"
	"math"
)

// Kind is the element type stored in its "type" field.
type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindDiamond   Kind = "diamond"
	KindArrow     Kind = "arrow"
	KindLine      Kind = "line"
	KindPencil    Kind = "pencil"
	KindText      Kind = "text"
	KindImage     Kind = "image"
)

// Tool is what the user is holding. Every drawing kind is also a tool.
type Tool string

const (
	ToolSelect    Tool = "select"
	ToolEraser    Tool = "eraser"
	ToolRectangle Tool = Tool(KindRectangle)
	ToolCircle    Tool = Tool(KindCircle)
	ToolDiamond   Tool = Tool(KindDiamond)
	ToolArrow     Tool = Tool(KindArrow)
	ToolLine      Tool = Tool(KindLine)
	ToolPencil    Tool = Tool(KindPencil)
	ToolText      Tool = Tool(KindText)
)

// ErrNotDrawingTool is returned when a gesture starts with a tool that does
// not place elements.
var ErrNotDrawingTool = errors.New("board: tool does not draw")

// Point is a vertex of a freehand stroke.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element is one placed shape. Only Type and ID are required; the geometry
// fields used depend on the kind.
type Element struct {
	Type        Kind     `json:"type"`
	ID          string   `json:"id"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Width       float64  `json:"width,omitempty"`
	Height      float64  `json:"height,omitempty"`
	Radius      float64  `json:"radius,omitempty"`
	EndX        *float64 `json:"endX,omitempty"`
	EndY        *float64 `json:"endY,omitempty"`
	Points      []Point  `json:"points,omitempty"`
	Text        string   `json:"text,omitempty"`
	StrokeColor string   `json:"strokeColor"`
	FillColor   string   `json:"fillColor,omitempty"`
	StrokeWidth float64  `json:"strokeWidth"`
}

// ParseElement decodes a drawing message. Messages that are not JSON
// objects with a type and an id are rejected.
func ParseElement(message string) (Element, bool) {
	var e Element
	if err := json.Unmarshal([]byte(message), &e); err != nil {
		return Element{}, false
	}
	if e.Type == "" || e.ID == "" {
		return Element{}, false
	}
	return e, true
}

// Encode returns the element as a drawing message.
func (e Element) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e Element) clone() Element {
	if e.EndX != nil {
		v := *e.EndX
		e.EndX = &v
	}
	if e.EndY != nil {
		v := *e.EndY
		e.EndY = &v
	}
	if e.Points != nil {
		e.Points = append([]Point(nil), e.Points...)
	}
	return e
}

// start creates a zero-size element for a new gesture.
func start(tool Tool, id string, x, y float64, style Style) (Element, error) {
	e := Element{
		Type:        Kind(tool),
		ID:          id,
		X:           x,
		Y:           y,
		StrokeColor: style.StrokeColor,
		FillColor:   style.FillColor,
		StrokeWidth: style.StrokeWidth,
	}

	switch tool {
	case ToolPencil:
		e.Points = []Point{{X: x, Y: y}}
	case ToolLine, ToolArrow:
		e.EndX, e.EndY = ptr(x), ptr(y)
	case ToolRectangle, ToolDiamond, ToolCircle, ToolText:
	default:
		return Element{}, ErrNotDrawingTool
	}
	return e, nil
}

// drag updates the element for a pointer at (x, y).
func (e *Element) drag(x, y float64) {
	switch e.Type {
	case KindPencil:
		e.Points = append(e.Points, Point{X: x, Y: y})
	case KindLine, KindArrow:
		e.EndX, e.EndY = ptr(x), ptr(y)
	case KindRectangle, KindDiamond:
		e.Width = x - e.X
		e.Height = y - e.Y
	case KindCircle:
		e.Radius = math.Hypot(x-e.X, y-e.Y)
	}
}

func ptr(v float64) *float64 { return &v }
