package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/domain"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth   *auth.Service
	logger *slog.Logger
}

func NewAuthHandler(authService *auth.Service, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:   authService,
		logger: logger,
	}
}

// AuthResponse is returned by register and login
type AuthResponse struct {
	User        domain.PublicUser `json:"user"`
	AccessToken string            `json:"access_token"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Register godoc
//
//	@Summary		Register a new user
//	@Description	Create a new user account with full name, email, and password
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		auth.RegisterInput	true	"Registration details"
//	@Success		201		{object}	AuthResponse		"User created successfully"
//	@Failure		400		{object}	ErrorResponse		"Invalid input"
//	@Failure		409		{object}	ErrorResponse		"Email already registered"
//	@Router			/auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input auth.RegisterInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := h.auth.Register(r.Context(), input)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, AuthResponse{
		User:        user.ToPublic(),
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	})
}

// Login godoc
//
//	@Summary		Login
//	@Description	Authenticate user with email and password
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			request	body		auth.LoginInput	true	"Login credentials"
//	@Success		200		{object}	AuthResponse	"Login successful"
//	@Failure		400		{object}	ErrorResponse	"Invalid input"
//	@Failure		401		{object}	ErrorResponse	"Invalid credentials"
//	@Router			/auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input auth.LoginInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := h.auth.Login(r.Context(), input)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{
		User:        user.ToPublic(),
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	})
}

// Me godoc
//
//	@Summary		Get authenticated user
//	@Description	Get info about the currently authenticated user
//	@Tags			auth
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{object}	domain.PublicUser
//	@Failure		401	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Router			/auth/me [get]
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.auth.Me(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, user.ToPublic())
}
