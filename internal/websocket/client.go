package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/observer/duochat/internal/presence"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 65536

	sendBufferSize = 256
)

// ErrSendBufferFull is returned when a client is too slow to keep up
var ErrSendBufferFull = errors.New("websocket: send buffer full")

// ConnState tracks where a connection is in its lifecycle
type ConnState int

const (
	StateUnidentified ConnState = iota
	StateIdentified
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateUnidentified:
		return "unidentified"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one websocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     presence.ConnID
	send   chan []byte
	mu     sync.RWMutex
	state  ConnState
	userID uuid.UUID
	logger *slog.Logger
	cancel context.CancelFunc
}

// NewClient creates a client with a fresh connection ID
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	id := presence.ConnID(uuid.NewString())
	return &Client{
		hub:    hub,
		conn:   conn,
		id:     id,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With("conn_id", id),
	}
}

// ID returns the connection ID
func (c *Client) ID() presence.ConnID {
	return c.id
}

// SetCancelFunc sets the cancel function for the client's context
func (c *Client) SetCancelFunc(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// State returns the lifecycle state
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the identity this connection identified as, or uuid.Nil
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// IsIdentified returns true once identify succeeded
func (c *Client) IsIdentified() bool {
	return c.State() == StateIdentified
}

// markIdentified moves Unidentified -> Identified. Identity never changes
// afterwards.
func (c *Client) markIdentified(userID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnidentified {
		return false
	}
	c.state = StateIdentified
	c.userID = userID
	c.logger = c.logger.With("user_id", userID)
	return true
}

// markDisconnected is terminal. It reports whether this call made the
// transition.
func (c *Client) markDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return false
	}
	c.state = StateDisconnected
	if c.cancel != nil {
		c.cancel()
	}
	return true
}

func (c *Client) log() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.log().Warn("websocket read error", "error", err)
				}
				return
			}

			var msg Message
			if err := json.Unmarshal(message, &msg); err != nil {
				c.sendError(ErrCodeInvalidMessage, "Failed to parse message", "")
				continue
			}

			c.hub.HandleMessage(ctx, c, &msg)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection. Each
// queued event goes out as its own text frame.
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message without blocking. A full buffer drops the message
// and returns ErrSendBufferFull.
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log().Error("failed to marshal message", "error", err, "type", msg.Type)
		return err
	}
	return c.SendRaw(data)
}

// SendRaw queues an already encoded frame
func (c *Client) SendRaw(data []byte) error {
	if c.State() == StateDisconnected {
		return errors.New("websocket: client disconnected")
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.log().Warn("client send buffer full, dropping message")
		return ErrSendBufferFull
	}
}

func (c *Client) sendError(code, message, tempID string) {
	msg, err := NewMessage(EventTypeError, ErrorPayload{Code: code, Message: message, TempID: tempID})
	if err != nil {
		return
	}
	_ = c.Send(msg)
}
