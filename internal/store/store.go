// Package store declares the persistence contracts the chat service depends
// on. Backends live in internal/database (postgres), mongostore and memstore.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/observer/duochat/internal/domain"
)

// Users persists accounts and their password hashes
type Users interface {
	// CreateUser stores user and its credentials. Returns domain.ErrEmailTaken
	// when the email is already registered.
	CreateUser(ctx context.Context, user *domain.User, passwordHash string) error
	FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error)
	// ListUsers returns every user except the given one, ordered by name
	ListUsers(ctx context.Context, except uuid.UUID) ([]domain.User, error)
}

// Conversations persists one-to-one conversations. Members are always stored
// in domain.MemberPair order.
type Conversations interface {
	// CreateConversation returns domain.ErrConversationExists when the pair
	// already has a conversation.
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	// FindConversationBetween returns domain.ErrConversationNotFound when the
	// two users have never talked.
	FindConversationBetween(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, error)
	// ListConversations returns the user's conversations, most recent first
	ListConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error)
}

// Messages persists chat messages
type Messages interface {
	// CreateMessage stores msg and bumps its conversation's UpdatedAt
	CreateMessage(ctx context.Context, msg *domain.Message) error
	// ListMessages returns a conversation's messages oldest first
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]domain.Message, error)
}

// Store bundles every persistence concern behind one backend
type Store interface {
	Users
	Conversations
	Messages

	Health(ctx context.Context) error
	Close(ctx context.Context) error
}
