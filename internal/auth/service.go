package auth

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/observer/duochat/internal/domain"
)

// UserRepository is the slice of the user store auth needs
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User, passwordHash string) error
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindUserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetPasswordHash(ctx context.Context, userID uuid.UUID) (string, error)
}

// Service handles authentication logic
type Service struct {
	users    UserRepository
	tokens   *TokenService
	validate *validator.Validate
	cost     int
}

// NewService creates an auth service
func NewService(users UserRepository, tokens *TokenService) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		users:    users,
		tokens:   tokens,
		validate: v,
		cost:     bcrypt.DefaultCost,
	}
}

// AccessToken is returned on register and login
type AccessToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RegisterInput for user registration
type RegisterInput struct {
	FullName string `json:"full_name" validate:"required,max=100"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginInput for user login
type LoginInput struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, input RegisterInput) (*domain.User, *AccessToken, error) {
	input.FullName = strings.TrimSpace(input.FullName)
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if err := s.check(input); err != nil {
		return nil, nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.cost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := &domain.User{
		ID:        uuid.New(),
		FullName:  input.FullName,
		Email:     input.Email,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.users.CreateUser(ctx, user, string(hash)); err != nil {
		if errors.Is(err, domain.ErrEmailTaken) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("create user: %w", err)
	}

	token, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}
	return user, token, nil
}

// Login authenticates a user. Unknown email and wrong password both yield
// domain.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, input LoginInput) (*domain.User, *AccessToken, error) {
	if err := s.check(input); err != nil {
		return nil, nil, err
	}

	user, err := s.users.FindUserByEmail(ctx, strings.ToLower(strings.TrimSpace(input.Email)))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, nil, domain.ErrInvalidCredentials
		}
		return nil, nil, fmt.Errorf("find user: %w", err)
	}

	hash, err := s.users.GetPasswordHash(ctx, user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("get password: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(input.Password)); err != nil {
		return nil, nil, domain.ErrInvalidCredentials
	}

	token, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}
	return user, token, nil
}

// Me returns the account behind an authenticated request
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.users.FindUserByID(ctx, userID)
}

// ValidateToken validates an access token and returns claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return s.tokens.Validate(tokenString)
}

func (s *Service) issue(user *domain.User) (*AccessToken, error) {
	token, expiresAt, err := s.tokens.Generate(user)
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}
	return &AccessToken{AccessToken: token, ExpiresAt: expiresAt}, nil
}

// check runs struct validation and reports the first failing field
func (s *Service) check(input any) error {
	err := s.validate.Struct(input)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	case "email":
		return fmt.Errorf("%w: invalid email format", domain.ErrValidation)
	case "min":
		return fmt.Errorf("%w: %s must be at least %s characters", domain.ErrValidation, field, fe.Param())
	case "max":
		return fmt.Errorf("%w: %s must be at most %s characters", domain.ErrValidation, field, fe.Param())
	}
	return fmt.Errorf("%w: %s is invalid", domain.ErrValidation, field)
}
