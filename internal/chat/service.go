// Package chat holds the conversation and message rules shared by the HTTP
// handlers and the websocket hub.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/store"
)

// MaxTextLength caps a message body, in characters
const MaxTextLength = 10000

// Repository is the persistence the chat service needs
type Repository interface {
	store.Users
	store.Conversations
	store.Messages
}

// Service orchestrates conversations and messages
type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With("component", "chat")}
}

// SendInput describes a message as submitted by its sender.
// ConversationRef is a conversation ID, or "new"/"" to start one with
// ReceiverID.
type SendInput struct {
	SenderID        uuid.UUID
	ReceiverID      uuid.UUID
	ConversationRef string
	Text            string
	ImageURL        string
}

// Sent is a persisted message plus the participant it was addressed to
type Sent struct {
	Message    *domain.Message
	ReceiverID uuid.UUID
	Created    bool // conversation was opened by this send
}

// SendMessage validates and persists a message. A "new" conversation ref
// finds or creates the conversation between sender and receiver.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (*Sent, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.ImageURL == "" {
		return nil, domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return nil, domain.ErrMessageTooLong
	}

	sender, err := s.repo.FindUserByID(ctx, in.SenderID)
	if err != nil {
		return nil, fmt.Errorf("find sender: %w", err)
	}

	var (
		conv    *domain.Conversation
		created bool
	)
	if IsNewRef(in.ConversationRef) {
		if in.ReceiverID == uuid.Nil {
			return nil, domain.ErrReceiverRequired
		}
		conv, created, err = s.OpenConversation(ctx, in.SenderID, in.ReceiverID)
		if err != nil {
			return nil, err
		}
	} else {
		conv, err = s.memberConversation(ctx, in.ConversationRef, in.SenderID)
		if err != nil {
			return nil, err
		}
	}

	receiverID, _ := conv.Other(in.SenderID)
	if in.ReceiverID != uuid.Nil && in.ReceiverID != receiverID {
		return nil, fmt.Errorf("%w: receiver %s", domain.ErrNotMember, in.ReceiverID)
	}

	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Text:           text,
		ImageURL:       in.ImageURL,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	pub := sender.ToPublic()
	msg.Sender = &pub

	s.logger.Debug("message stored", "message_id", msg.ID, "conversation_id", conv.ID, "sender_id", in.SenderID)
	return &Sent{Message: msg, ReceiverID: receiverID, Created: created}, nil
}

// OpenConversation returns the conversation between a and b, creating it on
// first contact. The bool reports whether it was created.
func (s *Service) OpenConversation(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, bool, error) {
	if a == b {
		return nil, false, domain.ErrSelfConversation
	}
	if _, err := s.repo.FindUserByID(ctx, b); err != nil {
		return nil, false, fmt.Errorf("find receiver: %w", err)
	}

	conv, err := s.repo.FindConversationBetween(ctx, a, b)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, domain.ErrConversationNotFound) {
		return nil, false, fmt.Errorf("find conversation: %w", err)
	}

	conv = &domain.Conversation{ID: uuid.New(), Members: [2]uuid.UUID{a, b}}
	err = s.repo.CreateConversation(ctx, conv)
	if errors.Is(err, domain.ErrConversationExists) {
		// Lost a race with the other participant.
		conv, err = s.repo.FindConversationBetween(ctx, a, b)
		if err != nil {
			return nil, false, fmt.Errorf("find conversation: %w", err)
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	s.logger.Info("conversation opened", "conversation_id", conv.ID, "members", conv.Members)
	return conv, true, nil
}

// ListConversations returns the viewer's conversations, each with the other
// participant's display info.
func (s *Service) ListConversations(ctx context.Context, viewer uuid.UUID) ([]domain.ConversationSummary, error) {
	convs, err := s.repo.ListConversations(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		otherID, _ := c.Other(viewer)
		other, err := s.repo.FindUserByID(ctx, otherID)
		if errors.Is(err, domain.ErrUserNotFound) {
			s.logger.Warn("conversation member missing", "conversation_id", c.ID, "user_id", otherID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find member %s: %w", otherID, err)
		}
		out = append(out, domain.ConversationSummary{
			ConversationID: c.ID,
			User:           other.ToPublic(),
			UpdatedAt:      c.UpdatedAt,
		})
	}
	return out, nil
}

// ResolveConversation maps a conversation ref to a conversation the viewer
// belongs to. A "new" ref looks up the conversation with receiver and
// returns domain.ErrConversationNotFound when they have never talked.
func (s *Service) ResolveConversation(ctx context.Context, ref string, viewer, receiver uuid.UUID) (*domain.Conversation, error) {
	if !IsNewRef(ref) {
		return s.memberConversation(ctx, ref, viewer)
	}
	if receiver == uuid.Nil {
		return nil, domain.ErrReceiverRequired
	}
	return s.repo.FindConversationBetween(ctx, viewer, receiver)
}

// ListMessages returns a conversation's history with sender info attached.
// A "new" ref with no conversation yet yields an empty history.
func (s *Service) ListMessages(ctx context.Context, ref string, viewer, receiver uuid.UUID) ([]domain.Message, error) {
	conv, err := s.ResolveConversation(ctx, ref, viewer, receiver)
	if IsNewRef(ref) && errors.Is(err, domain.ErrConversationNotFound) {
		return []domain.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	msgs, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	senders := make(map[uuid.UUID]*domain.PublicUser, 2)
	for _, id := range conv.Members {
		u, err := s.repo.FindUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrUserNotFound) {
				continue
			}
			return nil, fmt.Errorf("find member %s: %w", id, err)
		}
		pub := u.ToPublic()
		senders[id] = &pub
	}

	for i := range msgs {
		msgs[i].Sender = senders[msgs[i].SenderID]
	}
	return msgs, nil
}

// ListUsers returns everyone the viewer could start a conversation with
func (s *Service) ListUsers(ctx context.Context, viewer uuid.UUID) ([]domain.PublicUser, error) {
	users, err := s.repo.ListUsers(ctx, viewer)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return lo.Map(users, func(u domain.User, _ int) domain.PublicUser {
		return u.ToPublic()
	}), nil
}

// FindUserByID exposes user lookup so the service can back the router
func (s *Service) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return s.repo.FindUserByID(ctx, id)
}

// memberConversation parses ref and checks viewer belongs to it
func (s *Service) memberConversation(ctx context.Context, ref string, viewer uuid.UUID) (*domain.Conversation, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrConversationNotFound, ref)
	}
	conv, err := s.repo.FindConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(viewer) {
		return nil, domain.ErrNotMember
	}
	return conv, nil
}

// IsNewRef reports whether ref asks for a conversation that may not exist yet
func IsNewRef(ref string) bool {
	return ref == "" || strings.EqualFold(ref, domain.NewConversationRef)
}
