package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/observer/duochat/internal/domain"
)

// ConversationRepository handles conversation data access
type ConversationRepository struct {
	db *DB
}

func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `id, member_a, member_b, created_at, updated_at`

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := row.Scan(&conv.ID, &conv.Members[0], &conv.Members[1], &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// CreateConversation inserts a conversation for a pair of users
func (r *ConversationRepository) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	conv.Members = domain.MemberPair(conv.Members[0], conv.Members[1])

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO conversations (id, member_a, member_b)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`, conv.ID, conv.Members[0], conv.Members[1]).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if isUniqueViolation(err, "conversations_pair_key") {
		return domain.ErrConversationExists
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// FindConversation retrieves a conversation by ID
func (r *ConversationRepository) FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	return scanConversation(r.db.Pool.QueryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations WHERE id = $1
	`, id))
}

// FindConversationBetween finds the conversation between two users
func (r *ConversationRepository) FindConversationBetween(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, error) {
	pair := domain.MemberPair(a, b)
	return scanConversation(r.db.Pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE member_a = $1 AND member_b = $2
	`, pair[0], pair[1]))
}

// ListConversations returns all conversations for a user
func (r *ConversationRepository) ListConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE member_a = $1 OR member_b = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}
