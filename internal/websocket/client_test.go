package websocket

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newBareClient(buffer int) *Client {
	return &Client{
		id:     "conn-1",
		send:   make(chan []byte, buffer),
		logger: testLogger(),
	}
}

// =============================================================================
// Client State Tests
// =============================================================================

func TestClient_UnidentifiedByDefault(t *testing.T) {
	client := newBareClient(1)

	assert.Equal(t, StateUnidentified, client.State())
	assert.False(t, client.IsIdentified())
	assert.Equal(t, uuid.Nil, client.UserID())
}

func TestClient_MarkIdentified_OnlyOnce(t *testing.T) {
	client := newBareClient(1)
	alice, bob := uuid.New(), uuid.New()

	require.True(t, client.markIdentified(alice))
	assert.False(t, client.markIdentified(bob), "identity never changes")

	assert.True(t, client.IsIdentified())
	assert.Equal(t, alice, client.UserID())
}

func TestClient_MarkDisconnected_Terminal(t *testing.T) {
	client := newBareClient(1)
	cancelled := false
	client.SetCancelFunc(func() { cancelled = true })

	require.True(t, client.markDisconnected())
	assert.False(t, client.markDisconnected())
	assert.True(t, cancelled)
	assert.False(t, client.markIdentified(uuid.New()), "cannot identify after disconnect")
	assert.Equal(t, StateDisconnected, client.State())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "unidentified", StateUnidentified.String())
	assert.Equal(t, "identified", StateIdentified.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}

// =============================================================================
// Send Buffer Tests
// =============================================================================

func TestClient_Send_Queues(t *testing.T) {
	client := newBareClient(2)
	msg, err := NewMessage(EventTypeIdentifySuccess, IdentifySuccessPayload{UserID: uuid.New(), ConnID: "conn-1"})
	require.NoError(t, err)

	require.NoError(t, client.Send(msg))

	var decoded Message
	require.NoError(t, json.Unmarshal(<-client.send, &decoded))
	assert.Equal(t, EventTypeIdentifySuccess, decoded.Type)
}

func TestClient_Send_DropsWhenFull(t *testing.T) {
	client := newBareClient(1)

	require.NoError(t, client.SendRaw([]byte("first")))
	err := client.SendRaw([]byte("second"))

	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.Len(t, client.send, 1)
	assert.Equal(t, []byte("first"), <-client.send)
}

func TestClient_Send_AfterDisconnect(t *testing.T) {
	client := newBareClient(1)
	client.markDisconnected()

	assert.Error(t, client.SendRaw([]byte("late")))
	assert.Empty(t, client.send)
}

func TestClient_SendError(t *testing.T) {
	client := newBareClient(1)
	client.sendError(ErrCodeNotIdentified, "Must identify first", "tmp-1")

	var msg Message
	require.NoError(t, json.Unmarshal(<-client.send, &msg))
	assert.Equal(t, EventTypeError, msg.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, ErrCodeNotIdentified, p.Code)
	assert.Equal(t, "tmp-1", p.TempID)
}
