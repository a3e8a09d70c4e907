package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type routePayload struct {
	MessageID  string `json:"id"`
	ReceiverID string `json:"receiver_id"`
}

func TestMemoryPubSub_PublishSubscribe(t *testing.T) {
	ps := NewMemoryPubSub(quietLogger())
	defer ps.Close()

	topic := Topics.MessageRoute()
	received := make(chan *Message, 1)

	sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	msg, err := NewMessage(topic, "message.created", routePayload{MessageID: "m1", ReceiverID: "u2"})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	if err := ps.Publish(context.Background(), topic, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "message.created" {
			t.Errorf("got type %q, want %q", got.Type, "message.created")
		}
		var p routePayload
		if err := json.Unmarshal(got.Payload, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.ReceiverID != "u2" {
			t.Errorf("got receiver %q, want u2", p.ReceiverID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryPubSub_HandlerOutlivesPublisherContext(t *testing.T) {
	ps := NewMemoryPubSub(quietLogger())
	defer ps.Close()

	ctxErr := make(chan error, 1)
	_, err := ps.Subscribe(context.Background(), "t", func(ctx context.Context, msg *Message) {
		time.Sleep(20 * time.Millisecond)
		ctxErr <- ctx.Err()
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := ps.Publish(ctx, "t", &Message{Type: "x"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	cancel()

	select {
	case err := <-ctxErr:
		if err != nil {
			t.Errorf("handler context was cancelled with the request: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestMemoryPubSub_MultipleSubscribers(t *testing.T) {
	ps := NewMemoryPubSub(quietLogger())
	defer ps.Close()

	topic := Topics.MessageRoute()
	var count atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		sub, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
			count.Add(1)
			wg.Done()
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer sub.Unsubscribe()
	}

	_ = ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "message.created"})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if count.Load() != 3 {
			t.Errorf("got %d deliveries, want 3", count.Load())
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout: only got %d deliveries", count.Load())
	}
}

func TestMemoryPubSub_Unsubscribe(t *testing.T) {
	ps := NewMemoryPubSub(quietLogger())
	defer ps.Close()

	topic := "unsubscribe-test"
	received := make(chan struct{}, 10)

	sub, _ := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {
		received <- struct{}{}
	})

	_ = ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "test"})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("first message not received")
	}

	_ = sub.Unsubscribe()
	if n := ps.SubscriberCount(topic); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}

	_ = ps.Publish(context.Background(), topic, &Message{Topic: topic, Type: "test"})

	select {
	case <-received:
		t.Error("received message after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryPubSub_Close(t *testing.T) {
	ps := NewMemoryPubSub(quietLogger())

	topic := Topics.MessageRoute()
	_, _ = ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {})

	if ps.TopicCount() != 1 {
		t.Errorf("expected 1 topic, got %d", ps.TopicCount())
	}

	_ = ps.Close()

	if ps.TopicCount() != 0 {
		t.Errorf("expected 0 topics after close, got %d", ps.TopicCount())
	}

	if err := ps.Publish(context.Background(), topic, &Message{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}

	if _, err := ps.Subscribe(context.Background(), topic, func(ctx context.Context, msg *Message) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryPubSub_NoSubscribers(t *testing.T) {
	ps := NewMemoryPubSub(quietLogger())
	defer ps.Close()

	if err := ps.Publish(context.Background(), "empty-topic", &Message{Type: "test"}); err != nil {
		t.Errorf("publish to empty topic failed: %v", err)
	}
}

func TestOpen(t *testing.T) {
	for _, kind := range []string{"", BackendMemory} {
		ps, err := Open(context.Background(), kind, "", quietLogger())
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", kind, err)
		}
		if _, ok := ps.(*MemoryPubSub); !ok {
			t.Errorf("Open(%q) returned %T, want *MemoryPubSub", kind, ps)
		}
		_ = ps.Close()
	}

	if _, err := Open(context.Background(), "kafka", "", quietLogger()); err == nil {
		t.Error("expected error for unknown backend")
	}

	if _, err := Open(context.Background(), BackendRedis, "not a url", quietLogger()); err == nil {
		t.Error("expected error for bad redis url")
	}
}

func TestNewMessage_RejectsUnmarshalable(t *testing.T) {
	if _, err := NewMessage("t", "x", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestTopicBuilder(t *testing.T) {
	tests := []struct {
		name   string
		method func() string
		want   string
	}{
		{"MessageRoute", Topics.MessageRoute, "message.route"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.method(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
