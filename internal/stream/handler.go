package stream

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Handler parses inbound client frames and dispatches them to the hub.
// Protocol errors produce structured error frames and never tear the
// session down; only transport errors do that.
type Handler struct {
	hub *Hub
	log zerolog.Logger
}

// NewHandler creates the message handler and wires it into the hub.
func NewHandler(hub *Hub, log zerolog.Logger) *Handler {
	h := &Handler{
		hub: hub,
		log: log.With().Str("component", "message_handler").Logger(),
	}
	hub.SetHandler(h)
	return h
}

// SupportedMessageTypes lists the inbound frame types for the admin surface.
func (h *Handler) SupportedMessageTypes() []string {
	return []string{
		string(FrameSubscribe),
		string(FrameUnsubscribe),
		string(FramePing),
		string(FramePong),
		string(FrameGetStats),
	}
}

// HandleMessage implements MessageHandler.
func (h *Handler) HandleMessage(s *Session, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.log.Warn().Str("client_id", s.ClientID()).Msg("Received invalid JSON")
		h.hub.sendFrame(s, errorFrame(ErrCodeInvalidJSON, "message is not valid JSON"))
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		if frame.Topic == "" {
			h.hub.sendFrame(s, errorFrame(ErrCodeInvalidTopic, "subscribe requires a topic"))
			return
		}
		if err := h.hub.Subscribe(s.ClientID(), frame.Topic); err != nil {
			h.log.Warn().Err(err).Str("client_id", s.ClientID()).Msg("Subscribe failed")
		}

	case FrameUnsubscribe:
		if frame.Topic == "" {
			h.hub.sendFrame(s, errorFrame(ErrCodeInvalidTopic, "unsubscribe requires a topic"))
			return
		}
		if err := h.hub.Unsubscribe(s.ClientID(), frame.Topic); err != nil {
			h.log.Warn().Err(err).Str("client_id", s.ClientID()).Msg("Unsubscribe failed")
		}

	case FramePing:
		h.hub.sendFrame(s, (&Frame{Type: FramePong}).stamp())

	case FramePong:
		h.hub.touchHeartbeat(s)

	case FrameGetStats:
		h.hub.sendFrame(s, (&Frame{Type: FrameStats, Stats: h.hub.Stats()}).stamp())

	default:
		h.log.Warn().
			Str("client_id", s.ClientID()).
			Str("type", string(frame.Type)).
			Msg("Unknown message type")
		h.hub.sendFrame(s, errorFrame(ErrCodeUnknownMessageType, "unsupported message type: "+string(frame.Type)))
	}
}
