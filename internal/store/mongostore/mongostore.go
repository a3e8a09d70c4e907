// Package mongostore is the MongoDB store.Store backend. IDs are stored as
// canonical uuid strings.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri, verifies the connection and ensures indexes on database
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &Store{client: cli, db: cli.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		usersCollection: {
			{Keys: bson.D{{Key: "email_lower", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "full_name", Value: 1}}},
		},
		conversationsCollection: {
			{Keys: bson.D{{Key: "members", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "member_ids", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		messagesCollection: {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ============================================================================
// Documents
// ============================================================================

type userDoc struct {
	ID           string    `bson:"_id"`
	FullName     string    `bson:"full_name"`
	Email        string    `bson:"email"`
	EmailLower   string    `bson:"email_lower"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func (d *userDoc) toDomain() (*domain.User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decode user id %q: %w", d.ID, err)
	}
	return &domain.User{ID: id, FullName: d.FullName, Email: d.Email, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}, nil
}

// conversationDoc keeps the ordered pair as one string so a unique index can
// cover it, plus the member list for membership queries.
type conversationDoc struct {
	ID        string    `bson:"_id"`
	Members   string    `bson:"members"`
	MemberIDs []string  `bson:"member_ids"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func pairKey(pair [2]uuid.UUID) string {
	return pair[0].String() + ":" + pair[1].String()
}

func (d *conversationDoc) toDomain() (*domain.Conversation, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decode conversation id %q: %w", d.ID, err)
	}
	if len(d.MemberIDs) != 2 {
		return nil, fmt.Errorf("conversation %s has %d members", d.ID, len(d.MemberIDs))
	}
	conv := &domain.Conversation{ID: id, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
	for i, m := range d.MemberIDs {
		if conv.Members[i], err = uuid.Parse(m); err != nil {
			return nil, fmt.Errorf("decode member id %q: %w", m, err)
		}
	}
	return conv, nil
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Text           string    `bson:"text"`
	ImageURL       string    `bson:"image_url,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func (d *messageDoc) toDomain() (domain.Message, error) {
	var (
		m   = domain.Message{Text: d.Text, ImageURL: d.ImageURL, CreatedAt: d.CreatedAt}
		err error
	)
	if m.ID, err = uuid.Parse(d.ID); err != nil {
		return m, fmt.Errorf("decode message id %q: %w", d.ID, err)
	}
	if m.ConversationID, err = uuid.Parse(d.ConversationID); err != nil {
		return m, fmt.Errorf("decode conversation id %q: %w", d.ConversationID, err)
	}
	if m.SenderID, err = uuid.Parse(d.SenderID); err != nil {
		return m, fmt.Errorf("decode sender id %q: %w", d.SenderID, err)
	}
	return m, nil
}

// ============================================================================
// Users
// ============================================================================

func (s *Store) CreateUser(ctx context.Context, user *domain.User, passwordHash string) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	_, err := s.db.Collection(usersCollection).InsertOne(ctx, userDoc{
		ID:           user.ID.String(),
		FullName:     user.FullName,
		Email:        user.Email,
		EmailLower:   strings.ToLower(user.Email),
		PasswordHash: passwordHash,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) findUserDoc(ctx context.Context, filter bson.M) (*userDoc, error) {
	var doc userDoc
	err := s.db.Collection(usersCollection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	doc, err := s.findUserDoc(ctx, bson.M{"_id": id.String()})
	if err != nil {
		return nil, err
	}
	return doc.toDomain()
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	doc, err := s.findUserDoc(ctx, bson.M{"email_lower": strings.ToLower(email)})
	if err != nil {
		return nil, err
	}
	return doc.toDomain()
}

func (s *Store) GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error) {
	doc, err := s.findUserDoc(ctx, bson.M{"_id": userID.String()})
	if err != nil {
		return "", err
	}
	return doc.PasswordHash, nil
}

func (s *Store) ListUsers(ctx context.Context, except uuid.UUID) ([]domain.User, error) {
	cur, err := s.db.Collection(usersCollection).Find(ctx,
		bson.M{"_id": bson.M{"$ne": except.String()}},
		options.Find().SetSort(bson.D{{Key: "full_name", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}

	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	users := make([]domain.User, 0, len(docs))
	for i := range docs {
		u, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// ============================================================================
// Conversations
// ============================================================================

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	conv.Members = domain.MemberPair(conv.Members[0], conv.Members[1])
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.db.Collection(conversationsCollection).InsertOne(ctx, conversationDoc{
		ID:        conv.ID.String(),
		Members:   pairKey(conv.Members),
		MemberIDs: []string{conv.Members[0].String(), conv.Members[1].String()},
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrConversationExists
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) findConversationDoc(ctx context.Context, filter bson.M) (*domain.Conversation, error) {
	var doc conversationDoc
	err := s.db.Collection(conversationsCollection).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toDomain()
}

func (s *Store) FindConversation(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	return s.findConversationDoc(ctx, bson.M{"_id": id.String()})
}

func (s *Store) FindConversationBetween(ctx context.Context, a, b uuid.UUID) (*domain.Conversation, error) {
	return s.findConversationDoc(ctx, bson.M{"members": pairKey(domain.MemberPair(a, b))})
}

func (s *Store) ListConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	cur, err := s.db.Collection(conversationsCollection).Find(ctx,
		bson.M{"member_ids": userID.String()},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}

	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	convs := make([]domain.Conversation, 0, len(docs))
	for i := range docs {
		c, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, nil
}

// ============================================================================
// Messages
// ============================================================================

func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.CreatedAt = msg.CreatedAt.Truncate(time.Millisecond)

	res, err := s.db.Collection(conversationsCollection).UpdateByID(ctx,
		msg.ConversationID.String(),
		bson.M{"$set": bson.M{"updated_at": msg.CreatedAt}},
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrConversationNotFound
	}

	_, err = s.db.Collection(messagesCollection).InsertOne(ctx, messageDoc{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID.String(),
		SenderID:       msg.SenderID.String(),
		Text:           msg.Text,
		ImageURL:       msg.ImageURL,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]domain.Message, error) {
	cur, err := s.db.Collection(messagesCollection).Find(ctx,
		bson.M{"conversation_id": conversationID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, 0, len(docs))
	for i := range docs {
		m, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
