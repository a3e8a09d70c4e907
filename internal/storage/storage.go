// Package storage keeps message image attachments in an object store
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// DefaultMaxUploadBytes caps a single attachment
const DefaultMaxUploadBytes = 10 << 20

// sniffLen is how much of the body is inspected to detect its type
const sniffLen = 3072

var (
	ErrUnsupportedType = errors.New("only image uploads are allowed")
	ErrTooLarge        = errors.New("upload exceeds size limit")
	ErrEmptyUpload     = errors.New("upload is empty")
)

// allowedImageTypes are the raster formats served back to browsers. Vector
// formats such as SVG can carry script and are refused.
var allowedImageTypes = []string{"image/png", "image/jpeg", "image/gif", "image/webp"}

// ObjectStore writes and removes blobs. Put returns a URL clients can fetch
// the object from.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (string, error)
	Delete(ctx context.Context, key string) error
}

// Upload is a stored attachment
type Upload struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Uploader validates image attachments and hands them to an ObjectStore
type Uploader struct {
	store    ObjectStore
	maxBytes int64
}

// NewUploader creates an Uploader. A non-positive maxBytes selects
// DefaultMaxUploadBytes.
func NewUploader(store ObjectStore, maxBytes int64) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Uploader{store: store, maxBytes: maxBytes}
}

// MaxBytes returns the per-upload size limit
func (u *Uploader) MaxBytes() int64 {
	return u.maxBytes
}

// SaveImage sniffs body, rejects anything that is not a raster image and stores it
// under conv/{conversation}/{random}{ext}.
func (u *Uploader) SaveImage(ctx context.Context, conversationID uuid.UUID, body io.Reader, size int64) (*Upload, error) {
	if size > u.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, u.maxBytes)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return nil, ErrEmptyUpload
	}
	head = head[:n]

	mtype := mimetype.Detect(head)
	if !lo.ContainsBy(allowedImageTypes, mtype.Is) {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedType, mtype.String())
	}

	if size <= 0 {
		// Unknown length: buffer up to the limit so the store gets a size.
		rest, err := io.ReadAll(io.LimitReader(body, u.maxBytes-int64(n)+1))
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		size = int64(n + len(rest))
		if size > u.maxBytes {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, u.maxBytes)
		}
		body = bytes.NewReader(rest)
	}

	contentType, _, _ := strings.Cut(mtype.String(), ";")
	key := ObjectKey(conversationID, mtype.Extension())
	url, err := u.store.Put(ctx, key, contentType, io.MultiReader(bytes.NewReader(head), body), size)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	return &Upload{Key: key, URL: url, ContentType: contentType, Size: size}, nil
}

// Discard removes an upload whose message never got stored
func (u *Uploader) Discard(ctx context.Context, key string) error {
	return u.store.Delete(ctx, key)
}

// ObjectKey formats conv/{conversation_id}/{uuid}{ext}
func ObjectKey(conversationID uuid.UUID, ext string) string {
	return fmt.Sprintf("conv/%s/%s%s", conversationID, uuid.NewString(), ext)
}
