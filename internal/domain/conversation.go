package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewConversationRef is the placeholder conversation ID clients send before a
// conversation between two users exists.
const NewConversationRef = "new"

// Conversation is a one-to-one chat between exactly two members
type Conversation struct {
	ID        uuid.UUID    `json:"id"`
	Members   [2]uuid.UUID `json:"members"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// HasMember reports whether userID participates in the conversation
func (c *Conversation) HasMember(userID uuid.UUID) bool {
	return c.Members[0] == userID || c.Members[1] == userID
}

// Other returns the member that is not userID. The second return is false
// when userID is not a member.
func (c *Conversation) Other(userID uuid.UUID) (uuid.UUID, bool) {
	switch userID {
	case c.Members[0]:
		return c.Members[1], true
	case c.Members[1]:
		return c.Members[0], true
	}
	return uuid.Nil, false
}

// ConversationSummary is a conversation as seen by one of its members
type ConversationSummary struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	User           PublicUser `json:"user"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Message represents a persisted chat message
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	Text           string    `json:"text"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Populated on fetch
	Sender *PublicUser `json:"user,omitempty"`
}

// MemberPair returns a and b in a stable order so a pair of users maps to one
// conversation regardless of who opened it.
func MemberPair(a, b uuid.UUID) [2]uuid.UUID {
	if b.String() < a.String() {
		return [2]uuid.UUID{b, a}
	}
	return [2]uuid.UUID{a, b}
}
