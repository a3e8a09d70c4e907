// Package storetest holds a behavioural suite every store.Store backend must
// pass. Backends call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the store contract. newStore must return an empty
// store for each call.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("DuplicateEmail", func(t *testing.T) { testDuplicateEmail(t, newStore(t)) })
	t.Run("ListUsersExcludesCaller", func(t *testing.T) { testListUsers(t, newStore(t)) })
	t.Run("Conversations", func(t *testing.T) { testConversations(t, newStore(t)) })
	t.Run("DuplicatePair", func(t *testing.T) { testDuplicatePair(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
}

// NewUser builds an unsaved user with a unique email
func NewUser(name string) *domain.User {
	return &domain.User{
		ID:       uuid.New(),
		FullName: name,
		Email:    fmt.Sprintf("%s-%s@example.com", name, uuid.NewString()[:8]),
	}
}

func mustCreateUser(t *testing.T, s store.Store, name string) *domain.User {
	t.Helper()
	u := NewUser(name)
	require.NoError(t, s.CreateUser(context.Background(), u, "hash-"+name))
	return u
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := mustCreateUser(t, s, "alice")

	got, err := s.FindUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.FullName, got.FullName)
	assert.Equal(t, u.Email, got.Email)

	got, err = s.FindUserByEmail(ctx, u.Email)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	hash, err := s.GetPasswordHash(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash-alice", hash)

	_, err = s.FindUserByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testDuplicateEmail(t *testing.T, s store.Store) {
	ctx := context.Background()
	u := mustCreateUser(t, s, "alice")

	dup := NewUser("alice2")
	dup.Email = u.Email
	assert.ErrorIs(t, s.CreateUser(ctx, dup, "x"), domain.ErrEmailTaken)
}

func testListUsers(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	users, err := s.ListUsers(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, bob.ID, users[0].ID)
	assert.Equal(t, carol.ID, users[1].ID)
}

func testConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")
	carol := mustCreateUser(t, s, "carol")

	ab := &domain.Conversation{ID: uuid.New(), Members: [2]uuid.UUID{bob.ID, alice.ID}}
	require.NoError(t, s.CreateConversation(ctx, ab))
	assert.Equal(t, domain.MemberPair(alice.ID, bob.ID), ab.Members)

	got, err := s.FindConversation(ctx, ab.ID)
	require.NoError(t, err)
	assert.True(t, got.HasMember(alice.ID))
	assert.True(t, got.HasMember(bob.ID))

	got, err = s.FindConversationBetween(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, ab.ID, got.ID)

	_, err = s.FindConversationBetween(ctx, alice.ID, carol.ID)
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	_, err = s.FindConversation(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrConversationNotFound)

	ac := &domain.Conversation{ID: uuid.New(), Members: [2]uuid.UUID{alice.ID, carol.ID}}
	require.NoError(t, s.CreateConversation(ctx, ac))

	// A message in the older conversation moves it to the top.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.CreateMessage(ctx, &domain.Message{
		ID: uuid.New(), ConversationID: ab.ID, SenderID: alice.ID, Text: "bump",
	}))

	convs, err := s.ListConversations(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, ab.ID, convs[0].ID)
	assert.Equal(t, ac.ID, convs[1].ID)

	convs, err = s.ListConversations(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func testDuplicatePair(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	require.NoError(t, s.CreateConversation(ctx, &domain.Conversation{ID: uuid.New(), Members: [2]uuid.UUID{alice.ID, bob.ID}}))
	err := s.CreateConversation(ctx, &domain.Conversation{ID: uuid.New(), Members: [2]uuid.UUID{bob.ID, alice.ID}})
	assert.ErrorIs(t, err, domain.ErrConversationExists)
}

func testMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	alice := mustCreateUser(t, s, "alice")
	bob := mustCreateUser(t, s, "bob")

	conv := &domain.Conversation{ID: uuid.New(), Members: [2]uuid.UUID{alice.ID, bob.ID}}
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, text := range []string{"one", "two", "three"} {
		sender := alice.ID
		if i%2 == 1 {
			sender = bob.ID
		}
		msg := &domain.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			SenderID:       sender,
			Text:           text,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if text == "two" {
			msg.ImageURL = "https://cdn.example.com/conv/a.png"
		}
		require.NoError(t, s.CreateMessage(ctx, msg))
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)
	assert.Equal(t, "three", msgs[2].Text)
	assert.Equal(t, bob.ID, msgs[1].SenderID)
	assert.Equal(t, "https://cdn.example.com/conv/a.png", msgs[1].ImageURL)

	empty, err := s.ListMessages(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
