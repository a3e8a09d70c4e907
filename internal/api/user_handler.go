package api

import (
	"log/slog"
	"net/http"

	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/chat"
)

// UserHandler handles user-related endpoints
type UserHandler struct {
	chat   *chat.Service
	logger *slog.Logger
}

func NewUserHandler(chatService *chat.Service, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		chat:   chatService,
		logger: logger,
	}
}

// List godoc
//
//	@Summary		List users
//	@Description	Every registered user except the caller, for starting new conversations
//	@Tags			users
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}		domain.PublicUser
//	@Failure		401	{object}	ErrorResponse
//	@Router			/users [get]
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	users, err := h.chat.ListUsers(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, users)
}
