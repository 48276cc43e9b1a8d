package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join_room message
// ---------------------------------------------------------------------------

func TestParseClientMessage_JoinRoom(t *testing.T) {
	input := []byte(`{"type":"join_room","roomId":"42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Fatalf("expected type %q, got %q", TypeJoinRoom, msgType)
	}

	jm, ok := msg.(JoinRoomMsg)
	if !ok {
		t.Fatalf("expected JoinRoomMsg, got %T", msg)
	}
	if jm.Room() != "42" {
		t.Errorf("expected roomId %q, got %q", "42", jm.Room())
	}
}

// ---------------------------------------------------------------------------
// Test: leave_room accepts the legacy "room" field
// ---------------------------------------------------------------------------

func TestParseClientMessage_LeaveRoomLegacyField(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"roomId", `{"type":"leave_room","roomId":"a"}`, "a"},
		{"room", `{"type":"leave_room","room":"b"}`, "b"},
		{"both prefers roomId", `{"type":"leave_room","roomId":"a","room":"b"}`, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Room() != tt.want {
				t.Errorf("expected room %q, got %q", tt.want, msg.Room())
			}
		})
	}

	_, _, err := ParseClientMessage([]byte(`{"type":"leave_room"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload without any room, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing chat and drawing payloads
// ---------------------------------------------------------------------------

func TestParseClientMessage_Chat(t *testing.T) {
	input := []byte(`{"type":"chat","roomId":"42","message":"hi"}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.Text() != "hi" {
		t.Errorf("expected text %q, got %q", "hi", cm.Text())
	}
}

func TestParseClientMessage_EmptyChatAllowed(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"chat","roomId":"42","message":""}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.(ChatMsg).Text() != "" {
		t.Errorf("expected empty text")
	}
}

func TestParseClientMessage_Drawing(t *testing.T) {
	element := `{"id":"e1","type":"rectangle","x":1,"y":2,"width":3,"height":4}`
	frame, _ := json.Marshal(map[string]string{"type": "drawing", "roomId": "42", "message": element})

	_, msg, err := ParseClientMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dm, ok := msg.(DrawingMsg)
	if !ok {
		t.Fatalf("expected DrawingMsg, got %T", msg)
	}
	if dm.Element() != element {
		t.Errorf("element was altered: %q", dm.Element())
	}
}

func TestParseClientMessage_ElementRemoved(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"elementRemoved","roomId":"42","elementId":"e1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	em := msg.(ElementRemovedMsg)
	if em.ElementID != "e1" || em.RoomID != "42" {
		t.Errorf("unexpected message: %+v", em)
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected ping, got %q", msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Rejections map onto the three error classes
// ---------------------------------------------------------------------------

func TestParseClientMessage_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `not json`, ErrMalformed},
		{"json array", `[1,2]`, ErrMalformed},
		{"missing type", `{"roomId":"42"}`, ErrMalformed},
		{"empty type", `{"type":""}`, ErrMalformed},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownType},
		{"join without room", `{"type":"join_room"}`, ErrInvalidPayload},
		{"room too long", `{"type":"join_room","roomId":"` + strings.Repeat("r", MaxRoomIDLength+1) + `"}`, ErrInvalidPayload},
		{"chat without message", `{"type":"chat","roomId":"42"}`, ErrInvalidPayload},
		{"chat with number", `{"type":"chat","roomId":"42","message":7}`, ErrInvalidPayload},
		{"chat too long", `{"type":"chat","roomId":"42","message":"` + strings.Repeat("a", MaxChatBytes+1) + `"}`, ErrInvalidPayload},
		{"chat too many bytes", `{"type":"chat","roomId":"42","message":"` + strings.Repeat("é", MaxChatBytes/2+1) + `"}`, ErrInvalidPayload},
		{"drawing not json", `{"type":"drawing","roomId":"42","message":"{oops"}`, ErrInvalidPayload},
		{"drawing as object", `{"type":"drawing","roomId":"42","message":{"id":"e1"}}`, ErrInvalidPayload},
		{"drawing without room", `{"type":"drawing","message":"{}"}`, ErrInvalidPayload},
		{"removal without element", `{"type":"elementRemoved","roomId":"42"}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tt.input))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if msg != nil {
				t.Errorf("expected nil message on error, got %T", msg)
			}
		})
	}
}

func TestParseClientMessage_ChatLimitIsBytes(t *testing.T) {
	text := strings.Repeat("é", MaxChatBytes/2)
	_, msg, err := ParseClientMessage([]byte(`{"type":"chat","roomId":"42","message":"` + text + `"}`))
	if err != nil {
		t.Fatalf("expected %d-byte chat to pass, got %v", len(text), err)
	}
	if got := msg.(ChatMsg).Text(); got != text {
		t.Errorf("text changed in transit: %d bytes", len(got))
	}
}

func TestValidate_ReportsWireFieldName(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"elementRemoved","roomId":"42"}`))
	if err == nil || !strings.Contains(err.Error(), `"elementId"`) {
		t.Fatalf("expected error to name elementId, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Server frames
// ---------------------------------------------------------------------------

func TestNewServerMessage_UserCount(t *testing.T) {
	data, err := UserCount("42", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if m["type"] != TypeUserCount {
		t.Errorf("expected type %q, got %v", TypeUserCount, m["type"])
	}
	if m["roomId"] != "42" {
		t.Errorf("expected roomId 42, got %v", m["roomId"])
	}
	if m["count"] != float64(2) {
		t.Errorf("expected count 2, got %v", m["count"])
	}
}

func TestNewServerMessage_ChatCarriesAuthor(t *testing.T) {
	data, err := Chat("42", "hello", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m ServerChatMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	want := ServerChatMsg{Type: TypeChat, RoomID: "42", Message: "hello", UserID: "user-1"}
	if m != want {
		t.Errorf("expected %+v, got %+v", want, m)
	}
}

func TestNewServerMessage_DrawingRelaysVerbatim(t *testing.T) {
	element := `{"id":"e1","type":"line","x":0,"y":0}`
	data, err := Drawing("42", element)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m ServerDrawingMsg
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if m.Message != element {
		t.Errorf("message altered: %q", m.Message)
	}
}

func TestUnauthorized(t *testing.T) {
	var m map[string]interface{}
	if err := json.Unmarshal(Unauthorized(), &m); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if len(m) != 1 || m["message"] != "Unauthorized" {
		t.Errorf("unexpected unauthorized frame: %v", m)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope custom unmarshaling preserves raw bytes
// ---------------------------------------------------------------------------

func TestEnvelope_PreservesRaw(t *testing.T) {
	input := []byte(`{"type":"chat","roomId":"x","message":"hi"}`)

	var env Envelope
	if err := json.Unmarshal(input, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeChat {
		t.Errorf("expected type %q, got %q", TypeChat, env.Type)
	}
	if string(env.Raw) != string(input) {
		t.Errorf("raw bytes mismatch:\n  got:  %s\n  want: %s", env.Raw, input)
	}
}

// ---------------------------------------------------------------------------
// Test: client frames round through the relay parser
// ---------------------------------------------------------------------------

func TestNewClientMessage_AcceptedByParser(t *testing.T) {
	element := `{"type":"rectangle","id":"r1"}`
	frames := []ClientMessage{
		JoinRoomMsg{RoomID: "42"},
		LeaveRoomMsg{RoomID: "42"},
		DrawingMsg{RoomID: "42", Message: &element},
		ElementRemovedMsg{RoomID: "42", ElementID: "r1"},
	}

	for _, want := range frames {
		data, err := NewClientMessage(want)
		if err != nil {
			t.Fatalf("%s: encode: %v", want.MessageType(), err)
		}
		msgType, got, err := ParseClientMessage(data)
		if err != nil {
			t.Fatalf("%s: parse %s: %v", want.MessageType(), data, err)
		}
		if msgType != want.MessageType() || got.Room() != "42" {
			t.Errorf("%s: got type %q room %q", want.MessageType(), msgType, got.Room())
		}
	}
}

func TestParseServerMessage(t *testing.T) {
	f, err := ParseServerMessage([]byte(`{"type":"elementRemoved","roomId":"r","elementId":"e1","userId":"u"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type != TypeElementRemoved || f.ElementID != "e1" || f.UserID != "u" {
		t.Errorf("unexpected frame %+v", f)
	}

	f, err = ParseServerMessage(Unauthorized())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Type != "" || f.Message != "Unauthorized" {
		t.Errorf("unexpected frame %+v", f)
	}

	if _, err := ParseServerMessage([]byte("{")); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}
