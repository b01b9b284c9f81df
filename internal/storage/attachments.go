package storage

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/shineum/mail-gateway/internal/email"
)

// Attachments stages outbound attachment payloads in a bucket under keys
// of the form {uuid}_{filename}.
type Attachments struct {
	store  ObjectStore
	bucket string
}

// NewAttachments creates an attachment store on top of store.
func NewAttachments(store ObjectStore, bucket string) *Attachments {
	return &Attachments{store: store, bucket: bucket}
}

// Stage stores data and returns the key that identifies it.
func (a *Attachments) Stage(ctx context.Context, filename string, data []byte) (string, error) {
	name := SanitizeFilename(filename)
	key := uuid.NewString() + "_" + name

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	if err := a.store.Put(ctx, a.bucket, key, data, contentType); err != nil {
		return "", fmt.Errorf("failed to stage attachment %q: %w", name, err)
	}
	return key, nil
}

// Open reads a staged attachment. The filename is recovered from the key.
func (a *Attachments) Open(ctx context.Context, key string) (email.Attachment, error) {
	data, err := a.store.Get(ctx, a.bucket, key)
	if err != nil {
		return email.Attachment{}, fmt.Errorf("failed to read attachment %q: %w", key, err)
	}
	return email.Attachment{
		Key:      key,
		Filename: FilenameFromKey(key),
		Content:  data,
	}, nil
}

// FilenameFromKey returns the filename portion of a staging key.
func FilenameFromKey(key string) string {
	if _, name, ok := strings.Cut(key, "_"); ok && name != "" {
		return name
	}
	return key
}

// SanitizeFilename reduces a client supplied filename to a single safe
// path component.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "attachment"
	}
	return name
}
