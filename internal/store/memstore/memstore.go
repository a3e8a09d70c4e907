// Package memstore is an in-process store.Store used for local development
// and tests. Nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]domain.User
	byEmail       map[string]uuid.UUID
	hashes        map[uuid.UUID]string
	conversations map[uuid.UUID]domain.Conversation
	byPair        map[[2]uuid.UUID]uuid.UUID
	messages      map[uuid.UUID][]domain.Message
}

func New() *Store {
	return &Store{
		users:         make(map[uuid.UUID]domain.User),
		byEmail:       make(map[string]uuid.UUID),
		hashes:        make(map[uuid.UUID]string),
		conversations: make(map[uuid.UUID]domain.Conversation),
		byPair:        make(map[[2]uuid.UUID]uuid.UUID),
		messages:      make(map[uuid.UUID][]domain.Message),
	}
}

// ============================================================================
// Users
// ============================================================================

func (s *Store) CreateUser(ctx context.Context, user *domain.User, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if _, ok := s.byEmail[email]; ok {
		return domain.ErrEmailTaken
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	s.users[user.ID] = *user
	s.byEmail[email] = user.ID
	s.hashes[user.ID] = passwordHash
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, ok := s.hashes[userID]
	if !ok {
		return "", domain.ErrUserNotFound
	}
	return hash, nil
}

func (s *Store) ListUsers(ctx context.Context, except uuid.UUID) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.User, 0, len(s.users))
	for id, u := range s.users {
		if id == except {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}

// ============================================================================
// Conversations
// ============================================================================

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv.Members = domain.MemberPair(conv.Members[0], conv.Members[1])
	if _, ok := s.byPair[conv.Members]; ok {
		return domain.ErrConversationExists
	}

	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt

	s.conversations[conv.ID] = *conv
	s.byPair[conv.Members] = conv.ID
	return nil
}

func (s *Store) FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return &c, nil
}

func (s *Store) FindConversationBetween(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPair[domain.MemberPair(a, b)]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	c := s.conversations[id]
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Conversation
	for _, c := range s.conversations {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// ============================================================================
// Messages
// ============================================================================

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return domain.ErrConversationNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	stored := *msg
	stored.Sender = nil
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], stored)

	conv.UpdatedAt = msg.CreatedAt
	s.conversations[conv.ID] = conv
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) Health(ctx context.Context) error { return nil }

func (s *Store) Close(ctx context.Context) error { return nil }
