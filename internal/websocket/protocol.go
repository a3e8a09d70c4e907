package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/observer/duochat/internal/presence"
)

// Event types for client -> server
const (
	EventTypeIdentify    = "identify"
	EventTypeMessageSend = "message.send"
)

// Event types for server -> client
const (
	EventTypeError            = "error"
	EventTypeIdentifySuccess  = "identify.success"
	EventTypeMessageDelivered = "message.delivered"
	EventTypePresenceChanged  = "presence.changed"
)

// Error codes carried by EventTypeError
const (
	ErrCodeInvalidMessage    = "invalid_message"
	ErrCodeInvalidPayload    = "invalid_payload"
	ErrCodeUnknownEvent      = "unknown_event"
	ErrCodeAuthFailed        = "auth_failed"
	ErrCodeAlreadyIdentified = "already_identified"
	ErrCodeNotIdentified     = "not_identified"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeSendFailed        = "send_failed"
	ErrCodeDeliveryFailed    = "delivery_failed"
)

// Message is the base WebSocket message envelope
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(eventType string, payload any) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// IdentifyPayload binds the connection to the user behind token
type IdentifyPayload struct {
	Token string `json:"token"`
}

// MessageSendPayload for sending a message via WebSocket.
// ConversationID may be empty or "new" when ReceiverID is set.
type MessageSendPayload struct {
	ReceiverID     string `json:"receiver_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
	ImageURL       string `json:"image_url,omitempty"`
	TempID         string `json:"temp_id,omitempty"` // echoed back for optimistic UI
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload for error responses
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"temp_id,omitempty"`
}

// IdentifySuccessPayload confirms identify
type IdentifySuccessPayload struct {
	UserID uuid.UUID       `json:"user_id"`
	ConnID presence.ConnID `json:"conn_id"`
}

// PresenceChangedPayload carries the full connection set
type PresenceChangedPayload struct {
	Users []presence.Entry `json:"users"`
}
