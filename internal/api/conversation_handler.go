package api

import (
	"context"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/observer/duochat/internal/auth"
	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/presence"
	"github.com/observer/duochat/internal/storage"
	"github.com/observer/duochat/internal/websocket"
)

// MessagePublisher hands stored messages to the live delivery path
type MessagePublisher interface {
	PublishMessage(ctx context.Context, ev presence.MessageEvent) error
}

// ConversationHandler handles conversation and message endpoints
type ConversationHandler struct {
	chat      *chat.Service
	uploader  *storage.Uploader
	publisher MessagePublisher
	logger    *slog.Logger
}

// NewConversationHandler wires the handler. A nil uploader disables image
// messages; a nil publisher disables live delivery of HTTP-sent messages.
func NewConversationHandler(chatService *chat.Service, uploader *storage.Uploader, publisher MessagePublisher, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		chat:      chatService,
		uploader:  uploader,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateConversationRequest opens a conversation with another user
type CreateConversationRequest struct {
	ReceiverID string `json:"receiver_id"`
}

// SendMessageRequest is the JSON form of a message. Image messages use
// multipart/form-data with the same fields plus an "image" file.
type SendMessageRequest struct {
	ReceiverID string `json:"receiver_id,omitempty"`
	Text       string `json:"text"`
	TempID     string `json:"temp_id,omitempty"`
}

// CreateConversation godoc
//
//	@Summary		Open a conversation
//	@Description	Find or create the conversation between the caller and receiver_id
//	@Tags			conversations
//	@Accept			json
//	@Produce		json
//	@Security		BearerAuth
//	@Param			request	body		CreateConversationRequest	true	"Other participant"
//	@Success		200		{object}	domain.Conversation			"Existing conversation"
//	@Success		201		{object}	domain.Conversation			"Conversation created"
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse	"Receiver not found"
//	@Router			/conversations [post]
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var input CreateConversationRequest
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	receiverID, err := uuid.Parse(input.ReceiverID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receiver_id")
		return
	}

	conv, created, err := h.chat.OpenConversation(r.Context(), userID, receiverID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// ListConversations godoc
//
//	@Summary		List conversations
//	@Description	The caller's conversations, most recently active first, each with the other participant
//	@Tags			conversations
//	@Produce		json
//	@Security		BearerAuth
//	@Success		200	{array}		domain.ConversationSummary
//	@Failure		401	{object}	ErrorResponse
//	@Router			/conversations [get]
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	convs, err := h.chat.ListConversations(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, convs)
}

// GetMessages godoc
//
//	@Summary		Conversation history
//	@Description	Messages oldest first. {id} may be "new" together with receiver_id; an empty list is returned when the two users have not talked yet.
//	@Tags			messages
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id			path		string	true	"Conversation ID or new"
//	@Param			receiver_id	query		string	false	"Other participant, required when id is new"
//	@Success		200			{array}		domain.Message
//	@Failure		400			{object}	ErrorResponse
//	@Failure		403			{object}	ErrorResponse
//	@Failure		404			{object}	ErrorResponse
//	@Router			/conversations/{id}/messages [get]
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	receiverID, ok := optionalUUID(r.URL.Query().Get("receiver_id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid receiver_id")
		return
	}

	msgs, err := h.chat.ListMessages(r.Context(), r.PathValue("id"), userID, receiverID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

// SendMessage godoc
//
//	@Summary		Send a message
//	@Description	Store a text or image message and deliver it live to connected participants. {id} may be "new" with receiver_id to start a conversation.
//	@Tags			messages
//	@Accept			json
//	@Accept			mpfd
//	@Produce		json
//	@Security		BearerAuth
//	@Param			id		path		string				true	"Conversation ID or new"
//	@Param			request	body		SendMessageRequest	false	"JSON message"
//	@Param			image	formData	file				false	"Image attachment"
//	@Success		201		{object}	domain.Message
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		413		{object}	ErrorResponse
//	@Router			/conversations/{id}/messages [post]
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var (
		input  SendMessageRequest
		file   multipart.File
		header *multipart.FileHeader
		err    error
	)
	if isMultipart(r) {
		input, file, header, err = h.readMessageForm(w, r)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		if file != nil {
			defer file.Close()
		}
	} else if err := decodeJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	receiverID, ok := optionalUUID(input.ReceiverID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid receiver_id")
		return
	}

	send := chat.SendInput{
		SenderID:        userID,
		ReceiverID:      receiverID,
		ConversationRef: r.PathValue("id"),
		Text:            input.Text,
	}

	var upload *storage.Upload
	if file != nil {
		upload, err = h.attachImage(r.Context(), &send, file, header.Size)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}

	sent, err := h.chat.SendMessage(r.Context(), send)
	if err != nil {
		if upload != nil {
			h.discard(upload)
		}
		writeServiceError(w, h.logger, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishMessage(r.Context(), websocket.RouteEvent(sent, input.TempID)); err != nil {
			// Stored; peers will see it on their next fetch.
			h.logger.Warn("live delivery publish failed", "message_id", sent.Message.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, sent.Message)
}

func (h *ConversationHandler) discard(upload *storage.Upload) {
	if err := h.uploader.Discard(context.Background(), upload.Key); err != nil {
		h.logger.Warn("failed to discard orphaned upload", "key", upload.Key, "error", err)
	}
}

// optionalUUID parses s, treating "" as uuid.Nil
func optionalUUID(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(s)
	return id, err == nil
}
