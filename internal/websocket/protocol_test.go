package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/presence"
)

// =============================================================================
// NewMessage Tests
// =============================================================================

func TestNewMessage_CreatesCorrectEnvelope(t *testing.T) {
	before := time.Now()
	msg, err := NewMessage("test.event", map[string]string{"key": "value"})
	after := time.Now()

	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "test.event", msg.Type)
	assert.JSONEq(t, `{"key":"value"}`, string(msg.Payload))
	assert.True(t, !msg.Timestamp.Before(before.UTC().Add(-time.Millisecond)) && !msg.Timestamp.After(after.UTC()))
}

func TestNewMessage_InvalidPayload(t *testing.T) {
	msg, err := NewMessage("test.event", make(chan int))
	assert.Error(t, err)
	assert.Nil(t, msg)
}

// =============================================================================
// Payload Shape Tests
// =============================================================================

func TestMessageDelivered_WireShape(t *testing.T) {
	sender := uuid.New()
	d := &presence.Delivery{
		MessageEvent: presence.MessageEvent{
			MessageID:      uuid.New(),
			SenderID:       sender,
			ReceiverID:     uuid.New(),
			ConversationID: uuid.New(),
			Text:           "hello",
			TempID:         "tmp-9",
		},
		User: domain.PublicUser{ID: sender, FullName: "Alice", Email: "alice@example.com"},
	}

	msg, err := NewMessage(EventTypeMessageDelivered, d)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &flat))

	assert.Equal(t, "hello", flat["text"])
	assert.Equal(t, sender.String(), flat["sender_id"])
	assert.Equal(t, "tmp-9", flat["temp_id"])
	assert.NotContains(t, flat, "image_url")

	user, ok := flat["user"].(map[string]any)
	require.True(t, ok, "sender info is nested under user")
	assert.Equal(t, "Alice", user["full_name"])
	assert.Equal(t, "alice@example.com", user["email"])
}

func TestPresenceChanged_WireShape(t *testing.T) {
	userID := uuid.New()
	msg, err := NewMessage(EventTypePresenceChanged, PresenceChangedPayload{
		Users: []presence.Entry{{UserID: userID, ConnID: "c1"}},
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"users":[{"user_id":"`+userID.String()+`","conn_id":"c1"}]}`, string(msg.Payload))
}

func TestPresenceChanged_EmptySetIsArray(t *testing.T) {
	msg, err := NewMessage(EventTypePresenceChanged, PresenceChangedPayload{Users: []presence.Entry{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"users":[]}`, string(msg.Payload))
}

func TestMessageSendPayload_Decode(t *testing.T) {
	raw := `{"receiver_id":"8b7c3c1e-8c8a-4b7f-9d55-0e3c4f1a2b3c","conversation_id":"new","text":"hi","temp_id":"t1"}`

	var p MessageSendPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Equal(t, "new", p.ConversationID)
	assert.Equal(t, "hi", p.Text)
	assert.Equal(t, "t1", p.TempID)
	assert.Empty(t, p.ImageURL)
}

func TestRouteEvent_FromSent(t *testing.T) {
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: uuid.New(),
		SenderID:       uuid.New(),
		Text:           "hey",
		ImageURL:       "/uploads/conv/x/y.png",
		CreatedAt:      time.Now().UTC(),
	}
	receiver := uuid.New()

	ev := RouteEvent(&chat.Sent{Message: msg, ReceiverID: receiver}, "tmp")

	assert.Equal(t, msg.ID, ev.MessageID)
	assert.Equal(t, msg.SenderID, ev.SenderID)
	assert.Equal(t, receiver, ev.ReceiverID)
	assert.Equal(t, msg.ConversationID, ev.ConversationID)
	assert.Equal(t, msg.ImageURL, ev.ImageURL)
	assert.Equal(t, "tmp", ev.TempID)
}
