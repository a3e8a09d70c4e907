package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Auth errors
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrValidation         = errors.New("validation failed")

	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists between these users")
	ErrNotMember            = errors.New("user is not a member of this conversation")
	ErrSelfConversation     = errors.New("cannot open a conversation with yourself")

	// Message errors
	ErrEmptyMessage     = errors.New("message cannot be empty")
	ErrMessageTooLong   = errors.New("message exceeds 10000 characters")
	ErrReceiverRequired = errors.New("receiver is required for a new conversation")
)
