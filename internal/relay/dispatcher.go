package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/arjunkumar811/Excalidraw/internal/metrics"
	"github.com/arjunkumar811/Excalidraw/internal/protocol"
	"github.com/arjunkumar811/Excalidraw/internal/registry"
)

// Error codes sent to the originating connection.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidPayload  = "invalid_payload"
)

// MessageHandler is the callback signature for handling a parsed, validated
// client message. msg is the concrete variant returned by
// protocol.ParseClientMessage (e.g., protocol.ChatMsg).
type MessageHandler func(ctx context.Context, peer registry.Peer, msg protocol.ClientMessage)

// MessageDispatcher routes incoming frames to registered handlers based on
// the message type. It answers ping itself and reports malformed or
// unsupported frames to the sender only; the connection is never closed for
// a protocol error.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	logger   *slog.Logger
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher(logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data into a typed message, handles ping internally, and
// routes all other types to the registered handler.
func (d *MessageDispatcher) Dispatch(ctx context.Context, peer registry.Peer, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.reject(peer, msgType, err)
		return
	}

	// Built-in ping handler: respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(peer)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("ws: unsupported message type", "type", msgType, "conn", peer.ID())
		d.sendError(peer, CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(ctx, peer, msg)
}

func (d *MessageDispatcher) reject(peer registry.Peer, msgType string, err error) {
	kind := msgType
	if kind == "" {
		kind = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(kind, "rejected").Inc()

	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		d.logger.Debug("ws: unsupported message type", "type", msgType, "conn", peer.ID())
		d.sendError(peer, CodeUnsupportedType, "unsupported message type")
	case errors.Is(err, protocol.ErrInvalidPayload):
		d.logger.Debug("ws: invalid payload", "type", msgType, "conn", peer.ID(), "error", err)
		detail := strings.TrimPrefix(err.Error(), protocol.ErrInvalidPayload.Error()+": ")
		d.sendError(peer, CodeInvalidPayload, detail)
	default:
		d.logger.Debug("ws: dispatch parse error", "conn", peer.ID(), "error", err)
		d.sendError(peer, CodeParseError, "Invalid message format")
	}
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(peer registry.Peer, code string, message string) {
	data, err := protocol.Error(code, message)
	if err != nil {
		d.logger.Error("ws: failed to build error message", "conn", peer.ID(), "error", err)
		return
	}

	if err := peer.Send(data); err != nil {
		d.logger.Debug("ws: failed to send error message", "conn", peer.ID(), "error", err)
	}
}

func (d *MessageDispatcher) sendPong(peer registry.Peer) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error("ws: failed to build pong message", "conn", peer.ID(), "error", err)
		return
	}

	if err := peer.Send(data); err != nil {
		d.logger.Debug("ws: failed to send pong message", "conn", peer.ID(), "error", err)
	}
}
