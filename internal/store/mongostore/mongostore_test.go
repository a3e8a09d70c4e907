package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/observer/duochat/internal/store"
	"github.com/observer/duochat/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKey_MatchesMemberPairOrder(t *testing.T) {
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")

	assert.Equal(t, "00000000-0000-0000-0000-000000000001:00000000-0000-0000-0000-000000000002",
		pairKey([2]uuid.UUID{a, b}))
}

func TestConversationDoc_ToDomain(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	doc := conversationDoc{
		ID:        uuid.NewString(),
		MemberIDs: []string{a.String(), b.String()},
		CreatedAt: time.Now(),
	}

	conv, err := doc.toDomain()
	require.NoError(t, err)
	assert.True(t, conv.HasMember(a))
	assert.True(t, conv.HasMember(b))

	doc.MemberIDs = doc.MemberIDs[:1]
	_, err = doc.toDomain()
	assert.Error(t, err)
}

func TestMessageDoc_ToDomain_RejectsBadIDs(t *testing.T) {
	doc := messageDoc{ID: "not-a-uuid", ConversationID: uuid.NewString(), SenderID: uuid.NewString()}
	_, err := doc.toDomain()
	assert.Error(t, err)
}

// Needs TEST_MONGO_URI, e.g. mongodb://localhost:27017
func TestStore_Contract(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dbName := "duochat_test_" + uuid.NewString()[:8]
		s, err := Connect(ctx, uri, dbName)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.db.Drop(context.Background())
			_ = s.Close(context.Background())
		})
		return s
	})
}
