package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/middleware"
	"github.com/observer/duochat/internal/presence"
	"github.com/observer/duochat/internal/pubsub"
	"github.com/observer/duochat/internal/store/memstore"
)

const testKey = "test-signing-key-that-is-long-enough-32"

type harness struct {
	hub      *Hub
	registry *presence.Registry
	repo     *memstore.Store
	tokens   *auth.TokenService
	server   *httptest.Server
}

func newHarness(t *testing.T, cfg HubConfig) *harness {
	t.Helper()
	logger := testLogger()

	repo := memstore.New()
	tokens, err := auth.NewTokenService(testKey, 0)
	require.NoError(t, err)

	registry := presence.New(logger)
	hub := NewHub(registry, auth.NewService(repo, tokens), chat.NewService(repo, logger), cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(NewHandler(hub, nil, logger))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &harness{hub: hub, registry: registry, repo: repo, tokens: tokens, server: server}
}

func (h *harness) user(t *testing.T, name string) (*domain.User, string) {
	t.Helper()
	u := &domain.User{ID: uuid.New(), FullName: name, Email: strings.ToLower(name) + "@example.com"}
	require.NoError(t, h.repo.CreateUser(context.Background(), u, "hash"))
	token, _, err := h.tokens.Generate(u)
	require.NoError(t, err)
	return u, token
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	msg, err := NewMessage(eventType, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// waitFor reads until an event of eventType arrives, skipping others
func waitFor(t *testing.T, conn *websocket.Conn, eventType string) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", eventType)
		if msg.Type == eventType {
			return msg
		}
	}
}

func waitForPresence(t *testing.T, conn *websocket.Conn, online int) []presence.Entry {
	t.Helper()
	for {
		msg := waitFor(t, conn, EventTypePresenceChanged)
		var p PresenceChangedPayload
		require.NoError(t, json.Unmarshal(msg.Payload, &p))
		if len(p.Users) == online {
			return p.Users
		}
	}
}

func waitForError(t *testing.T, conn *websocket.Conn) ErrorPayload {
	t.Helper()
	msg := waitFor(t, conn, EventTypeError)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

func (h *harness) identify(t *testing.T, conn *websocket.Conn, token string) IdentifySuccessPayload {
	t.Helper()
	send(t, conn, EventTypeIdentify, IdentifyPayload{Token: token})
	msg := waitFor(t, conn, EventTypeIdentifySuccess)
	var p IdentifySuccessPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

func decodeDelivery(t *testing.T, msg Message) presence.Delivery {
	t.Helper()
	var d presence.Delivery
	require.NoError(t, json.Unmarshal(msg.Payload, &d))
	return d
}

// =============================================================================
// Identify Tests
// =============================================================================

func TestHub_Identify_Success(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, token := h.user(t, "Alice")
	conn := h.dial(t)

	ack := h.identify(t, conn, token)

	assert.Equal(t, alice.ID, ack.UserID)
	connID, ok := h.registry.Lookup(alice.ID)
	require.True(t, ok)
	assert.Equal(t, ack.ConnID, connID)
}

func TestHub_Identify_FirstConnectionWins(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, token := h.user(t, "Alice")

	first := h.dial(t)
	ack := h.identify(t, first, token)

	second := h.dial(t)
	send(t, second, EventTypeIdentify, IdentifyPayload{Token: token})
	errPayload := waitForError(t, second)

	assert.Equal(t, ErrCodeAlreadyIdentified, errPayload.Code)
	connID, _ := h.registry.Lookup(alice.ID)
	assert.Equal(t, ack.ConnID, connID)
	assert.Equal(t, 1, h.registry.Len())
}

func TestHub_Identify_ConnectionCannotRebind(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, aliceToken := h.user(t, "Alice")
	_, bobToken := h.user(t, "Bob")

	conn := h.dial(t)
	h.identify(t, conn, aliceToken)

	send(t, conn, EventTypeIdentify, IdentifyPayload{Token: bobToken})
	assert.Equal(t, ErrCodeAlreadyIdentified, waitForError(t, conn).Code)

	entries := h.registry.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, alice.ID, entries[0].UserID)
}

func TestHub_Identify_BadToken(t *testing.T) {
	h := newHarness(t, HubConfig{})
	conn := h.dial(t)

	send(t, conn, EventTypeIdentify, IdentifyPayload{Token: "not-a-jwt"})

	assert.Equal(t, ErrCodeAuthFailed, waitForError(t, conn).Code)
	assert.Zero(t, h.registry.Len())
}

func TestHub_UnknownEvent(t *testing.T) {
	h := newHarness(t, HubConfig{})
	conn := h.dial(t)

	send(t, conn, "room.join", map[string]string{})

	assert.Equal(t, ErrCodeUnknownEvent, waitForError(t, conn).Code)
}

func TestHub_MalformedFrame(t *testing.T) {
	h := newHarness(t, HubConfig{})
	conn := h.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))

	assert.Equal(t, ErrCodeInvalidMessage, waitForError(t, conn).Code)
}

// =============================================================================
// Presence Tests
// =============================================================================

func TestHub_PresenceBroadcast(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, aliceToken := h.user(t, "Alice")
	bob, bobToken := h.user(t, "Bob")

	aliceConn := h.dial(t)
	h.identify(t, aliceConn, aliceToken)

	bobConn := h.dial(t)
	h.identify(t, bobConn, bobToken)

	users := waitForPresence(t, aliceConn, 2)
	ids := []uuid.UUID{users[0].UserID, users[1].UserID}
	assert.ElementsMatch(t, []uuid.UUID{alice.ID, bob.ID}, ids)

	require.NoError(t, bobConn.Close())

	users = waitForPresence(t, aliceConn, 1)
	assert.Equal(t, alice.ID, users[0].UserID)

	require.Eventually(t, func() bool {
		_, ok := h.registry.Lookup(bob.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestHub_NewConnectionReceivesSnapshot(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, token := h.user(t, "Alice")
	h.identify(t, h.dial(t), token)

	observer := h.dial(t)
	users := waitForPresence(t, observer, 1)
	assert.Equal(t, alice.ID, users[0].UserID)
}

func TestHub_DisconnectBeforeIdentify(t *testing.T) {
	h := newHarness(t, HubConfig{})
	conn := h.dial(t)

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return h.hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, h.registry.Len())
}

// =============================================================================
// Message Routing Tests
// =============================================================================

func TestHub_MessageSend_BothConnected(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, aliceToken := h.user(t, "Alice")
	bob, bobToken := h.user(t, "Bob")

	aliceConn := h.dial(t)
	h.identify(t, aliceConn, aliceToken)
	bobConn := h.dial(t)
	h.identify(t, bobConn, bobToken)

	send(t, aliceConn, EventTypeMessageSend, MessageSendPayload{
		ReceiverID:     bob.ID.String(),
		ConversationID: domain.NewConversationRef,
		Text:           "hi bob",
		TempID:         "tmp-1",
	})

	toBob := decodeDelivery(t, waitFor(t, bobConn, EventTypeMessageDelivered))
	toAlice := decodeDelivery(t, waitFor(t, aliceConn, EventTypeMessageDelivered))

	assert.Equal(t, toBob, toAlice, "both participants get identical content")
	assert.Equal(t, "hi bob", toBob.Text)
	assert.Equal(t, alice.ID, toBob.SenderID)
	assert.Equal(t, bob.ID, toBob.ReceiverID)
	assert.Equal(t, "tmp-1", toBob.TempID)
	assert.Equal(t, "Alice", toBob.User.FullName)
	assert.Equal(t, alice.Email, toBob.User.Email)

	stored, err := h.repo.ListMessages(context.Background(), toBob.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, toBob.MessageID, stored[0].ID)
}

func TestHub_MessageSend_ReceiverOffline(t *testing.T) {
	h := newHarness(t, HubConfig{})
	_, aliceToken := h.user(t, "Alice")
	bob, _ := h.user(t, "Bob")

	aliceConn := h.dial(t)
	h.identify(t, aliceConn, aliceToken)

	send(t, aliceConn, EventTypeMessageSend, MessageSendPayload{
		ReceiverID: bob.ID.String(),
		Text:       "are you there?",
	})

	d := decodeDelivery(t, waitFor(t, aliceConn, EventTypeMessageDelivered))
	assert.Equal(t, bob.ID, d.ReceiverID)
	assert.Equal(t, "are you there?", d.Text)
}

func TestHub_MessageSend_ExistingConversation(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, aliceToken := h.user(t, "Alice")
	bob, bobToken := h.user(t, "Bob")

	conv := &domain.Conversation{ID: uuid.New(), Members: domain.MemberPair(alice.ID, bob.ID)}
	require.NoError(t, h.repo.CreateConversation(context.Background(), conv))

	aliceConn := h.dial(t)
	h.identify(t, aliceConn, aliceToken)
	bobConn := h.dial(t)
	h.identify(t, bobConn, bobToken)

	// receiver is derived from membership
	send(t, bobConn, EventTypeMessageSend, MessageSendPayload{ConversationID: conv.ID.String(), Text: "yo"})

	d := decodeDelivery(t, waitFor(t, aliceConn, EventTypeMessageDelivered))
	assert.Equal(t, conv.ID, d.ConversationID)
	assert.Equal(t, alice.ID, d.ReceiverID)
	assert.Equal(t, "Bob", d.User.FullName)
}

func TestHub_MessageSend_NotIdentified(t *testing.T) {
	h := newHarness(t, HubConfig{})
	bob, _ := h.user(t, "Bob")
	conn := h.dial(t)

	send(t, conn, EventTypeMessageSend, MessageSendPayload{ReceiverID: bob.ID.String(), Text: "hi"})

	assert.Equal(t, ErrCodeNotIdentified, waitForError(t, conn).Code)
}

func TestHub_MessageSend_Rejected(t *testing.T) {
	h := newHarness(t, HubConfig{})
	_, token := h.user(t, "Alice")
	bob, _ := h.user(t, "Bob")
	conn := h.dial(t)
	h.identify(t, conn, token)

	tests := []struct {
		name    string
		payload MessageSendPayload
		code    string
		message string
	}{
		{"empty text", MessageSendPayload{ReceiverID: bob.ID.String(), Text: "   "}, ErrCodeSendFailed, domain.ErrEmptyMessage.Error()},
		{"no receiver", MessageSendPayload{ConversationID: "new", Text: "hi"}, ErrCodeSendFailed, domain.ErrReceiverRequired.Error()},
		{"bad receiver", MessageSendPayload{ReceiverID: "bob", Text: "hi"}, ErrCodeInvalidPayload, "Invalid receiver ID"},
		{"unknown conversation", MessageSendPayload{ConversationID: uuid.NewString(), Text: "hi"}, ErrCodeSendFailed, domain.ErrConversationNotFound.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.payload.TempID = tt.name
			send(t, conn, EventTypeMessageSend, tt.payload)

			p := waitForError(t, conn)
			assert.Equal(t, tt.code, p.Code)
			assert.Equal(t, tt.message, p.Message)
			assert.Equal(t, tt.name, p.TempID)
		})
	}
}

func TestHub_MessageSend_RateLimited(t *testing.T) {
	h := newHarness(t, HubConfig{SendLimiter: middleware.NewRateLimiter(60)})
	_, token := h.user(t, "Alice")
	bob, _ := h.user(t, "Bob")
	conn := h.dial(t)
	h.identify(t, conn, token)

	for i := 0; i < 7; i++ {
		send(t, conn, EventTypeMessageSend, MessageSendPayload{ReceiverID: bob.ID.String(), Text: "spam"})
	}

	assert.Equal(t, ErrCodeRateLimited, waitForError(t, conn).Code)
}

func TestHub_SubscribeRoutes(t *testing.T) {
	h := newHarness(t, HubConfig{})
	alice, _ := h.user(t, "Alice")
	bob, bobToken := h.user(t, "Bob")

	ps := pubsub.NewMemoryPubSub(testLogger())
	defer ps.Close()
	sub, err := h.hub.SubscribeRoutes(context.Background(), ps)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	bobConn := h.dial(t)
	h.identify(t, bobConn, bobToken)

	ev := presence.MessageEvent{
		MessageID:      uuid.New(),
		SenderID:       alice.ID,
		ReceiverID:     bob.ID,
		ConversationID: uuid.New(),
		Text:           "sent over http",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, NewPubSubBroadcaster(ps).PublishMessage(context.Background(), ev))

	d := decodeDelivery(t, waitFor(t, bobConn, EventTypeMessageDelivered))
	assert.Equal(t, ev.MessageID, d.MessageID)
	assert.Equal(t, "Alice", d.User.FullName)
}

func TestHub_Deliver_UnknownConnection(t *testing.T) {
	h := newHarness(t, HubConfig{})

	err := h.hub.Deliver("gone", &presence.Delivery{})

	assert.ErrorIs(t, err, ErrClientNotFound)
}

// closingValidator accepts any token but disconnects the client first, the
// way a shutdown racing an identify would.
type closingValidator struct {
	client *Client
	userID uuid.UUID
}

func (v closingValidator) ValidateToken(string) (*auth.Claims, error) {
	v.client.markDisconnected()
	return &auth.Claims{UserID: v.userID}, nil
}

func TestHub_Identify_ClosedMidway_LeavesNoEntry(t *testing.T) {
	logger := testLogger()
	repo := memstore.New()
	registry := presence.New(logger)
	client := newBareClient(4)
	userID := uuid.New()

	hub := NewHub(registry, closingValidator{client: client, userID: userID}, chat.NewService(repo, logger), HubConfig{}, logger)
	client.hub = hub

	payload, err := json.Marshal(IdentifyPayload{Token: "any"})
	require.NoError(t, err)
	hub.handleIdentify(client, payload)

	_, ok := registry.Lookup(userID)
	assert.False(t, ok)
	assert.Zero(t, registry.Len())
	assert.Equal(t, StateDisconnected, client.State())
	assert.Empty(t, client.send, "no identify.success after close")
}

func TestHub_StopClosesClients(t *testing.T) {
	logger := testLogger()
	repo := memstore.New()
	tokens, err := auth.NewTokenService(testKey, 0)
	require.NoError(t, err)
	registry := presence.New(logger)
	hub := NewHub(registry, auth.NewService(repo, tokens), chat.NewService(repo, logger), HubConfig{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	server := httptest.NewServer(NewHandler(hub, nil, logger))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	assert.Zero(t, hub.ClientCount())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// =============================================================================
// Origin Tests
// =============================================================================

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	restricted := checkOrigin([]string{"http://localhost:3000"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, allowAll(req))
	assert.True(t, restricted(req), "no origin header")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, restricted(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, restricted(req))
	assert.True(t, checkOrigin([]string{"*"})(req))
}
