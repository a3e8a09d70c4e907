package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/observer/duochat/internal/domain"
)

const (
	tokenIssuer     = "duochat"
	defaultTokenTTL = 24 * time.Hour
)

// Claims represents the JWT claims
type Claims struct {
	jwt.RegisteredClaims
	UserID uuid.UUID `json:"uid"`
	Email  string    `json:"email"`
}

// TokenService handles JWT creation and validation
type TokenService struct {
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenService creates a new token service. A non-positive ttl selects 24h.
func NewTokenService(signingKey string, ttl time.Duration) (*TokenService, error) {
	if len(signingKey) < 32 {
		return nil, errors.New("signing key must be at least 32 characters")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenService{
		signingKey: []byte(signingKey),
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// Generate signs an access token for user
func (s *TokenService) Generate(user *domain.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		UserID: user.ID,
		Email:  user.Email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses a token and checks signature, expiry and issuer
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == uuid.Nil {
		return nil, domain.ErrTokenInvalid
	}
	return claims, nil
}

// TTL returns the access token lifetime
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}
