package websocket

import (
	"context"
	"fmt"

	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/presence"
	"github.com/observer/duochat/internal/pubsub"
)

// EventTypeMessageCreated tags route events on the pubsub bus
const EventTypeMessageCreated = "message.created"

// RoutePublisher lets the HTTP layer hand persisted messages to whichever
// hub is listening on the message route topic.
type RoutePublisher interface {
	PublishMessage(ctx context.Context, ev presence.MessageEvent) error
}

// PubSubBroadcaster implements RoutePublisher using the PubSub system
type PubSubBroadcaster struct {
	ps pubsub.PubSub
}

// NewPubSubBroadcaster creates a new broadcaster that uses the PubSub system
func NewPubSubBroadcaster(ps pubsub.PubSub) *PubSubBroadcaster {
	return &PubSubBroadcaster{ps: ps}
}

func (b *PubSubBroadcaster) PublishMessage(ctx context.Context, ev presence.MessageEvent) error {
	topic := pubsub.Topics.MessageRoute()
	msg, err := pubsub.NewMessage(topic, EventTypeMessageCreated, ev)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("publish message %s: %w", ev.MessageID, err)
	}
	return nil
}

// RouteEvent builds the routing event for a freshly persisted message
func RouteEvent(sent *chat.Sent, tempID string) presence.MessageEvent {
	m := sent.Message
	return presence.MessageEvent{
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     sent.ReceiverID,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		CreatedAt:      m.CreatedAt,
		TempID:         tempID,
	}
}
