package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/google/uuid"

	"github.com/observer/duochat/internal/chat"
	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/storage"
)

// maxFormMemory is the multipart budget for non-file fields
const maxFormMemory = 1 << 20

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// readMessageForm parses a multipart message. The returned file is nil when
// the form carries no "image" part.
func (h *ConversationHandler) readMessageForm(w http.ResponseWriter, r *http.Request) (SendMessageRequest, multipart.File, *multipart.FileHeader, error) {
	limit := int64(storage.DefaultMaxUploadBytes)
	if h.uploader != nil {
		limit = h.uploader.MaxBytes()
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxFormMemory)

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return SendMessageRequest{}, nil, nil, storage.ErrTooLarge
		}
		return SendMessageRequest{}, nil, nil, badRequest("invalid multipart form")
	}

	input := SendMessageRequest{
		ReceiverID: r.FormValue("receiver_id"),
		Text:       r.FormValue("text"),
		TempID:     r.FormValue("temp_id"),
	}

	file, header, err := r.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		return input, nil, nil, nil
	case err != nil:
		return input, nil, nil, badRequest("invalid image field")
	case h.uploader == nil:
		_ = file.Close()
		return input, nil, nil, badRequest("image uploads are disabled")
	}
	return input, file, header, nil
}

// attachImage stores the image under the conversation it belongs to and
// points send at it. A "new" ref opens the conversation first, so the
// message that follows lands in the same one.
func (h *ConversationHandler) attachImage(ctx context.Context, send *chat.SendInput, file io.Reader, size int64) (*storage.Upload, error) {
	var (
		conv *domain.Conversation
		err  error
	)
	if chat.IsNewRef(send.ConversationRef) {
		if send.ReceiverID == uuid.Nil {
			return nil, domain.ErrReceiverRequired
		}
		conv, _, err = h.chat.OpenConversation(ctx, send.SenderID, send.ReceiverID)
	} else {
		conv, err = h.chat.ResolveConversation(ctx, send.ConversationRef, send.SenderID, send.ReceiverID)
	}
	if err != nil {
		return nil, err
	}

	upload, err := h.uploader.SaveImage(ctx, conv.ID, file, size)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("image stored", "key", upload.Key, "content_type", upload.ContentType, "size", upload.Size)
	send.ConversationRef = conv.ID.String()
	send.ImageURL = upload.URL
	return upload, nil
}
