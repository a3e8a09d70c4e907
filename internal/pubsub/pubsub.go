// Package pubsub carries events between the HTTP layer and the websocket hub.
// The memory backend serves a single process; redis and nats let several
// processes share one event stream.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload into a Message
func NewMessage(topic, msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{Topic: topic, Type: msgType, Payload: data}, nil
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

// Backend names accepted by Open
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
)

// Open builds the backend named by kind. url is ignored for memory.
func Open(ctx context.Context, kind, url string, logger *slog.Logger) (PubSub, error) {
	switch kind {
	case "", BackendMemory:
		return NewMemoryPubSub(logger), nil
	case BackendRedis:
		return NewRedisPubSub(ctx, url, logger)
	case BackendNATS:
		return NewNatsPubSub(url, logger)
	}
	return nil, fmt.Errorf("unknown pubsub backend %q", kind)
}

// TopicBuilder helps construct consistent topic names
type TopicBuilder struct{}

// MessageRoute carries persisted messages that still need live delivery
func (t TopicBuilder) MessageRoute() string {
	return "message.route"
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
