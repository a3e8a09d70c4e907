package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsPubSub implements PubSub on core NATS subjects. Delivery is at most
// once, matching the redis backend.
type NatsPubSub struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[*nats.Subscription]struct{}
	closed bool
	logger *slog.Logger
}

type natsSubscription struct {
	ps  *NatsPubSub
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.ps.mu.Lock()
	delete(s.ps.subs, s.sub)
	s.ps.mu.Unlock()
	return s.sub.Unsubscribe()
}

// NewNatsPubSub connects to url, e.g. nats://localhost:4222
func NewNatsPubSub(url string, logger *slog.Logger) (*NatsPubSub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pubsub", "backend", "nats")

	conn, err := nats.Connect(url,
		nats.Name("duochat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(3*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info("connected to nats", "url", conn.ConnectedUrl())
	return &NatsPubSub{
		conn:   conn,
		subs:   make(map[*nats.Subscription]struct{}),
		logger: logger,
	}, nil
}

func (ps *NatsPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	ps.mu.Lock()
	closed := ps.closed
	ps.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := ps.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to nats: %w", err)
	}
	return nil
}

func (ps *NatsPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, ErrClosed
	}

	sub, err := ps.conn.Subscribe(topic, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			ps.logger.Error("failed to unmarshal message", "error", err, "topic", topic)
			return
		}
		handler(context.Background(), &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to nats subject: %w", err)
	}
	// Make sure the server has the interest before returning.
	if err := ps.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	ps.subs[sub] = struct{}{}
	ps.logger.Debug("subscribed to topic", "topic", topic)
	return &natsSubscription{ps: ps, sub: sub}, nil
}

func (ps *NatsPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true

	for sub := range ps.subs {
		_ = sub.Unsubscribe()
	}
	ps.subs = nil

	if err := ps.conn.Drain(); err != nil {
		ps.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	ps.logger.Info("nats pubsub closed")
	return nil
}
