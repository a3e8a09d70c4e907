package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/middleware"
	"github.com/observer/duochat/internal/presence"
	"github.com/observer/duochat/internal/pubsub"
)

const handleTimeout = 15 * time.Second

// ErrClientNotFound means the connection left before delivery
var ErrClientNotFound = errors.New("websocket: client not found")

// MessageSender persists chat messages and resolves sender display info.
// *chat.Service satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, in chat.SendInput) (*chat.Sent, error)
	presence.UserFinder
}

// HubConfig tunes the hub
type HubConfig struct {
	// LookupTimeout bounds the sender lookup while routing
	LookupTimeout time.Duration
	// SendLimiter throttles message.send per user. Nil disables it.
	SendLimiter *middleware.RateLimiter
}

// Hub maintains the set of active clients, the presence registry and the
// message router.
type Hub struct {
	// All live connections, identified or not
	clients map[presence.ConnID]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex

	registry            *presence.Registry
	router              *presence.Router
	tokens              auth.TokenValidator
	messages            MessageSender
	limiter             *middleware.RateLimiter
	unsubscribePresence func()
	logger              *slog.Logger
}

var _ presence.Deliverer = (*Hub)(nil)

// NewHub creates a Hub bound to registry. Presence changes are broadcast to
// every connection from then on.
func NewHub(registry *presence.Registry, tokens auth.TokenValidator, messages MessageSender, cfg HubConfig, logger *slog.Logger) *Hub {
	logger = logger.With("component", "websocket")
	h := &Hub{
		clients:    make(map[presence.ConnID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		registry:   registry,
		tokens:     tokens,
		messages:   messages,
		limiter:    cfg.SendLimiter,
		logger:     logger,
	}
	h.router = presence.NewRouter(registry, messages, h, cfg.LookupTimeout, logger)
	h.unsubscribePresence = registry.Subscribe(h.broadcastPresence)
	return h
}

// Run starts the hub's main loop. When ctx ends every client is closed.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.unsubscribePresence()

		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[presence.ConnID]*Client)
		h.mu.Unlock()

		for _, c := range clients {
			if c.markDisconnected() {
				h.registry.Disconnect(c.ID())
			}
		}
		h.logger.Info("hub stopped", "closed_clients", len(clients))
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.markDisconnected()
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mu.Lock()
	h.clients[client.ID()] = client
	h.mu.Unlock()

	// New connections see who is online before identifying
	if msg, err := NewMessage(EventTypePresenceChanged, PresenceChangedPayload{Users: h.registry.Snapshot()}); err == nil {
		_ = client.Send(msg)
	}
	h.logger.Debug("client connected", "conn_id", client.ID())
}

// handleUnregister must not hold h.mu while touching the registry: presence
// listeners take the read lock.
func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client.ID())
	h.mu.Unlock()

	if !client.markDisconnected() {
		return
	}
	h.registry.Disconnect(client.ID())
	h.logger.Debug("client disconnected", "conn_id", client.ID(), "user_id", client.UserID())
}

// ClientCount returns the number of live connections
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleMessage processes incoming WebSocket messages
func (h *Hub) HandleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case EventTypeIdentify:
		h.handleIdentify(client, msg.Payload)
	case EventTypeMessageSend:
		h.handleMessageSend(ctx, client, msg.Payload)
	default:
		client.sendError(ErrCodeUnknownEvent, "Unknown event type: "+msg.Type, "")
	}
}

func (h *Hub) handleIdentify(client *Client, payload json.RawMessage) {
	var p IdentifyPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Token == "" {
		client.sendError(ErrCodeInvalidPayload, "Invalid identify payload", "")
		return
	}

	if client.State() != StateUnidentified {
		client.sendError(ErrCodeAlreadyIdentified, "Connection is already identified", "")
		return
	}

	claims, err := h.tokens.ValidateToken(p.Token)
	if err != nil {
		client.sendError(ErrCodeAuthFailed, "Invalid or expired token", "")
		return
	}

	if !h.registry.Identify(claims.UserID, client.ID()) {
		client.sendError(ErrCodeAlreadyIdentified, "User is already connected elsewhere", "")
		return
	}
	if !client.markIdentified(claims.UserID) {
		// Closed while the token was checked; drop the entry it just got
		h.registry.Disconnect(client.ID())
		return
	}

	msg, _ := NewMessage(EventTypeIdentifySuccess, IdentifySuccessPayload{
		UserID: claims.UserID,
		ConnID: client.ID(),
	})
	_ = client.Send(msg)

	h.logger.Info("client identified", "conn_id", client.ID(), "user_id", claims.UserID)
}

func (h *Hub) handleMessageSend(ctx context.Context, client *Client, payload json.RawMessage) {
	if !client.IsIdentified() {
		client.sendError(ErrCodeNotIdentified, "Must identify first", "")
		return
	}

	var p MessageSendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError(ErrCodeInvalidPayload, "Invalid message payload", "")
		return
	}

	if h.limiter != nil && !h.limiter.Allow("ws:"+client.UserID().String()) {
		client.sendError(ErrCodeRateLimited, "Too many messages, slow down", p.TempID)
		return
	}

	var receiverID uuid.UUID
	if p.ReceiverID != "" {
		id, err := uuid.Parse(p.ReceiverID)
		if err != nil {
			client.sendError(ErrCodeInvalidPayload, "Invalid receiver ID", p.TempID)
			return
		}
		receiverID = id
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	sent, err := h.messages.SendMessage(ctx, chat.SendInput{
		SenderID:        client.UserID(),
		ReceiverID:      receiverID,
		ConversationRef: p.ConversationID,
		Text:            p.Text,
		ImageURL:        p.ImageURL,
	})
	if err != nil {
		h.logger.Warn("message send rejected", "user_id", client.UserID(), "error", err)
		client.sendError(ErrCodeSendFailed, sendErrorMessage(err), p.TempID)
		return
	}

	if _, err := h.Route(ctx, RouteEvent(sent, p.TempID)); err != nil {
		client.sendError(ErrCodeDeliveryFailed, "Message saved but could not be delivered live", p.TempID)
	}
}

// sendErrorMessage keeps internal failures out of client-facing text
func sendErrorMessage(err error) string {
	for _, known := range []error{
		domain.ErrEmptyMessage,
		domain.ErrMessageTooLong,
		domain.ErrReceiverRequired,
		domain.ErrConversationNotFound,
		domain.ErrNotMember,
		domain.ErrSelfConversation,
		domain.ErrUserNotFound,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "Failed to send message"
}

// Route delivers ev to the connected participants
func (h *Hub) Route(ctx context.Context, ev presence.MessageEvent) (int, error) {
	n, err := h.router.Route(ctx, ev)
	if err != nil {
		h.logger.Error("message routing failed", "message_id", ev.MessageID, "sender_id", ev.SenderID, "error", err)
		return 0, err
	}
	h.logger.Debug("message routed", "message_id", ev.MessageID, "delivered", n)
	return n, nil
}

// Deliver implements presence.Deliverer
func (h *Hub) Deliver(connID presence.ConnID, d *presence.Delivery) error {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, connID)
	}

	msg, err := NewMessage(EventTypeMessageDelivered, d)
	if err != nil {
		return err
	}
	return client.Send(msg)
}

// broadcastPresence runs as a registry listener, in mutation order
func (h *Hub) broadcastPresence(entries []presence.Entry) {
	msg, err := NewMessage(EventTypePresenceChanged, PresenceChangedPayload{Users: entries})
	if err != nil {
		h.logger.Error("failed to create presence message", "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode presence message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.SendRaw(data)
	}
}

// SubscribeRoutes routes every message published on the message route
// topic, so messages stored over HTTP reach live connections.
func (h *Hub) SubscribeRoutes(ctx context.Context, ps pubsub.PubSub) (pubsub.Subscription, error) {
	return ps.Subscribe(ctx, pubsub.Topics.MessageRoute(), func(ctx context.Context, msg *pubsub.Message) {
		if msg.Type != EventTypeMessageCreated {
			return
		}
		var ev presence.MessageEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			h.logger.Error("invalid route event", "error", err)
			return
		}
		_, _ = h.Route(ctx, ev)
	})
}
