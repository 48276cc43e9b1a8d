// Package protocol defines the WebSocket frames exchanged between whiteboard
// clients and the relay. Every frame is a single JSON object carrying a
// "type" discriminator; client frames decode into one concrete variant per
// kind and are validated against that variant's required fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeChat           = "chat"
	TypeDrawing        = "drawing"
	TypeElementRemoved = "elementRemoved"
	TypePing           = "ping"
)

// Server -> Client message types. Chat, drawing and elementRemoved reuse the
// client type names.
const (
	TypeUserCount   = "userCount"
	TypeError       = "error"
	TypeRateLimited = "rate_limited"
	TypePong        = "pong"
)

// Limits enforced at the relay boundary.
const (
	MaxRoomIDLength    = 128
	MaxElementIDLength = 128
	MaxChatBytes       = 4096
)

var (
	// ErrMalformed means the frame is not a JSON object with a type.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType means the type discriminator names no client message.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrInvalidPayload means the frame decoded but its fields do not match
	// the schema of its kind.
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names ("roomId") rather than Go field names in errors.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// "max" counts runes on strings; wire limits are in bytes.
	_ = v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		n, err := strconv.Atoi(fl.Param())
		return err == nil && len(fl.Field().String()) <= n
	})
	return v
}

// ---------------------------------------------------------------------------
// Envelope is used for the first decode pass to read the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every client frame variant.
type ClientMessage interface {
	MessageType() string
	Room() string
}

// JoinRoomMsg adds the connection to a room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId" validate:"required,max=128"`
}

// LeaveRoomMsg removes the connection from a room. Older clients send the
// room under "room"; it is folded into RoomID during parsing.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId" validate:"required,max=128"`
	Legacy string `json:"room,omitempty" validate:"-"`
}

// ChatMsg is a text message for a room.
type ChatMsg struct {
	Type    string  `json:"type"`
	RoomID  string  `json:"roomId" validate:"required,max=128"`
	Message *string `json:"message" validate:"required,maxbytes=4096"`
}

// DrawingMsg carries one finalized element, JSON-encoded in Message. The
// relay treats the element as opaque.
type DrawingMsg struct {
	Type    string  `json:"type"`
	RoomID  string  `json:"roomId" validate:"required,max=128"`
	Message *string `json:"message" validate:"required,json"`
}

// ElementRemovedMsg retracts a previously placed element.
type ElementRemovedMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId" validate:"required,max=128"`
	ElementID string `json:"elementId" validate:"required,max=128"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (JoinRoomMsg) MessageType() string       { return TypeJoinRoom }
func (LeaveRoomMsg) MessageType() string      { return TypeLeaveRoom }
func (ChatMsg) MessageType() string           { return TypeChat }
func (DrawingMsg) MessageType() string        { return TypeDrawing }
func (ElementRemovedMsg) MessageType() string { return TypeElementRemoved }
func (PingMsg) MessageType() string           { return TypePing }

func (m JoinRoomMsg) Room() string       { return m.RoomID }
func (m LeaveRoomMsg) Room() string      { return m.RoomID }
func (m ChatMsg) Room() string           { return m.RoomID }
func (m DrawingMsg) Room() string        { return m.RoomID }
func (m ElementRemovedMsg) Room() string { return m.RoomID }
func (PingMsg) Room() string             { return "" }

// Text returns the chat text; it is only meaningful after validation.
func (m ChatMsg) Text() string {
	if m.Message == nil {
		return ""
	}
	return *m.Message
}

// Element returns the encoded element; it is only meaningful after
// validation.
func (m DrawingMsg) Element() string {
	if m.Message == nil {
		return ""
	}
	return *m.Message
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserCountMsg is the presence broadcast for a room.
type UserCountMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// ServerChatMsg relays a chat message with its author.
type ServerChatMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// ServerDrawingMsg relays a finalized element verbatim.
type ServerDrawingMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// ServerElementRemovedMsg relays an element removal.
type ServerElementRemovedMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	ElementID string `json:"elementId"`
	UserID    string `json:"userId,omitempty"`
}

// ErrorMsg tells the sender that its frame was rejected.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitedMsg is sent when the sender exceeded its event budget.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// unauthorizedFrame is sent right before closing a connection whose
// credential was refused. It intentionally has no type field.
var unauthorizedFrame = []byte(`{"message":"Unauthorized"}`)

// Unauthorized returns the frame sent on authentication failure.
func Unauthorized() []byte {
	out := make([]byte, len(unauthorizedFrame))
	copy(out, unauthorizedFrame)
	return out
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed, validated client
// message. The returned type string is set whenever the envelope could be
// read, even if decoding the payload failed.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg ClientMessage
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		if m.RoomID == "" {
			m.RoomID = m.Legacy
		}
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDrawing:
		var m DrawingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeElementRemoved:
		var m ElementRemovedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		return env.Type, PingMsg{Type: TypePing}, nil
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("%w: %q payload: %v", ErrInvalidPayload, env.Type, err)
	}
	if err := Validate(msg); err != nil {
		return env.Type, nil, err
	}
	return env.Type, msg, nil
}

// Validate checks a client message against the schema of its kind.
func Validate(msg ClientMessage) error {
	err := validate.Struct(msg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %q failed %q", ErrInvalidPayload, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Builders for outbound frames that the relay produces on its hot path.
// ---------------------------------------------------------------------------

// UserCount encodes a presence broadcast.
func UserCount(roomID string, count int) ([]byte, error) {
	return NewServerMessage(TypeUserCount, UserCountMsg{RoomID: roomID, Count: count})
}

// Chat encodes a relayed chat message.
func Chat(roomID, message, userID string) ([]byte, error) {
	return NewServerMessage(TypeChat, ServerChatMsg{RoomID: roomID, Message: message, UserID: userID})
}

// Drawing encodes a relayed drawing event.
func Drawing(roomID, message string) ([]byte, error) {
	return NewServerMessage(TypeDrawing, ServerDrawingMsg{RoomID: roomID, Message: message})
}

// ElementRemoved encodes a relayed removal.
func ElementRemoved(roomID, elementID, userID string) ([]byte, error) {
	return NewServerMessage(TypeElementRemoved, ServerElementRemovedMsg{
		RoomID: roomID, ElementID: elementID, UserID: userID,
	})
}

// Error encodes a sender-only error notice.
func Error(code, message string) ([]byte, error) {
	return NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
}

// ---------------------------------------------------------------------------
// Client-side helpers
// ---------------------------------------------------------------------------

// NewClientMessage encodes a frame for sending to the relay.
func NewClientMessage(msg ClientMessage) ([]byte, error) {
	return NewServerMessage(msg.MessageType(), msg)
}

// JoinRoom encodes a join_room frame.
func JoinRoom(roomID string) ([]byte, error) {
	return NewClientMessage(JoinRoomMsg{RoomID: roomID})
}

// ServerFrame is the union of every frame the relay sends. Clients decode
// into it and switch on Type.
type ServerFrame struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId,omitempty"`
	Message    string `json:"message,omitempty"`
	ElementID  string `json:"elementId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Count      int    `json:"count,omitempty"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// ParseServerMessage decodes a relay frame. The Unauthorized frame has no
// type and decodes with an empty Type.
func ParseServerMessage(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}
