package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/observer/duochat/internal/domain"
)

// DefaultLookupTimeout bounds the sender display-info lookup during routing
const DefaultLookupTimeout = 5 * time.Second

// Routing errors. Both are scoped to a single event.
var (
	ErrSenderNotFound = errors.New("presence: sender not found")
	ErrLookupTimeout  = errors.New("presence: sender lookup timed out")
)

// UserFinder resolves display info for a user identity
type UserFinder interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// Deliverer hands a delivery to one live connection. An error means the
// connection went away between lookup and send.
type Deliverer interface {
	Deliver(connID ConnID, d *Delivery) error
}

// MessageEvent is a chat message on its way to the two participants
type MessageEvent struct {
	MessageID      uuid.UUID `json:"id,omitempty"`
	SenderID       uuid.UUID `json:"sender_id"`
	ReceiverID     uuid.UUID `json:"receiver_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Text           string    `json:"text"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	TempID         string    `json:"temp_id,omitempty"`
}

// Delivery is what each connected participant receives: the event plus the
// sender's display info.
type Delivery struct {
	MessageEvent
	User domain.PublicUser `json:"user"`
}

// Router fans a MessageEvent out to the sender's and receiver's connections
type Router struct {
	registry      *Registry
	users         UserFinder
	deliverer     Deliverer
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// NewRouter creates a Router. A non-positive lookupTimeout selects
// DefaultLookupTimeout.
func NewRouter(registry *Registry, users UserFinder, deliverer Deliverer, lookupTimeout time.Duration, logger *slog.Logger) *Router {
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:      registry,
		users:         users,
		deliverer:     deliverer,
		lookupTimeout: lookupTimeout,
		logger:        logger.With("component", "router"),
	}
}

// Route delivers ev to whichever participants are connected and returns how
// many connections accepted it. When nobody is connected the event is dropped
// and Route returns 0 with no error. Failing to resolve the sender's display
// info fails the whole attempt before anything is emitted.
func (r *Router) Route(ctx context.Context, ev MessageEvent) (int, error) {
	targets := r.targets(ev)
	if len(targets) == 0 {
		r.logger.Debug("no participant connected, dropping live delivery",
			"sender_id", ev.SenderID, "receiver_id", ev.ReceiverID, "conversation_id", ev.ConversationID)
		return 0, nil
	}

	sender, err := r.findSender(ctx, ev.SenderID)
	if err != nil {
		return 0, err
	}

	d := &Delivery{MessageEvent: ev, User: sender.ToPublic()}

	delivered := 0
	for _, connID := range targets {
		if err := r.deliverer.Deliver(connID, d); err != nil {
			r.logger.Warn("delivery failed, treating connection as offline",
				"conn_id", connID, "message_id", ev.MessageID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, nil
}

// targets resolves receiver then sender, skipping absent and duplicate handles
func (r *Router) targets(ev MessageEvent) []ConnID {
	out := make([]ConnID, 0, 2)
	if connID, ok := r.registry.Lookup(ev.ReceiverID); ok {
		out = append(out, connID)
	}
	if connID, ok := r.registry.Lookup(ev.SenderID); ok {
		if len(out) == 0 || out[0] != connID {
			out = append(out, connID)
		}
	}
	return out
}

type findResult struct {
	user *domain.User
	err  error
}

// findSender runs the lookup in its own goroutine so a finder that ignores
// ctx still cannot hold the caller past the timeout.
func (r *Router) findSender(ctx context.Context, senderID uuid.UUID) (*domain.User, error) {
	ctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()

	done := make(chan findResult, 1)
	go func() {
		user, err := r.users.FindUserByID(ctx, senderID)
		done <- findResult{user: user, err: err}
	}()

	var res findResult
	select {
	case res = <-done:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrLookupTimeout, senderID)
		}
		return nil, fmt.Errorf("find sender %s: %w", senderID, ctx.Err())
	}

	switch {
	case errors.Is(res.err, domain.ErrUserNotFound):
		return nil, fmt.Errorf("%w: %s", ErrSenderNotFound, senderID)
	case errors.Is(res.err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s", ErrLookupTimeout, senderID)
	case res.err != nil:
		return nil, fmt.Errorf("find sender %s: %w", senderID, res.err)
	case res.user == nil:
		return nil, fmt.Errorf("%w: %s", ErrSenderNotFound, senderID)
	}
	return res.user, nil
}
