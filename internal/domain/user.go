package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered account
type User struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"full_name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublicUser is the denormalized display info attached to messages and conversations
type PublicUser struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Email    string    `json:"email"`
}

func (u *User) ToPublic() PublicUser {
	return PublicUser{
		ID:       u.ID,
		FullName: u.FullName,
		Email:    u.Email,
	}
}

// Credentials stores password hash separately from user
type Credentials struct {
	UserID       uuid.UUID `json:"-"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"-"`
}
