// Package inbox persists normalized inbound messages and serves the read
// side over them: listing, search, statistics and the annotated summaries
// consumed by automated clients.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/storage"
)

const (
	recordSuffix = "_email.json"
	// keyTimeLayout is fixed width so the source id can be cut out of a key.
	keyTimeLayout = "2006-01-02_15-04-05"
)

// Store writes inbound records and their attachments into one bucket.
type Store struct {
	store  storage.ObjectStore
	bucket string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
	// known maps stored source ids to record keys. It is loaded with one
	// listing on first use and reloaded by Refresh.
	known map[string]string
}

// New creates a Store over bucket.
func New(store storage.ObjectStore, bucket string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, bucket: bucket, now: time.Now, logger: logger}
}

// RecordKey returns the object key of m. The timestamp is the source
// receipt time, so the key depends only on the source message.
func RecordKey(m *email.InboundMessage) string {
	return m.ReceivedAt.UTC().Format(keyTimeLayout) + "_" + m.ID + recordSuffix
}

// AttachmentKey returns the object key of one attachment of a source
// message.
func AttachmentKey(sourceID, attachmentID, filename string) string {
	return sourceID + "_" + attachmentID + "_" + storage.SanitizeFilename(filename)
}

// parseRecordKey extracts the source id from a record key.
func parseRecordKey(key string) (string, bool) {
	if !strings.HasSuffix(key, recordSuffix) || len(key) <= len(keyTimeLayout)+1+len(recordSuffix) {
		return "", false
	}
	if _, err := time.Parse(keyTimeLayout, key[:len(keyTimeLayout)]); err != nil {
		return "", false
	}
	if key[len(keyTimeLayout)] != '_' {
		return "", false
	}
	return key[len(keyTimeLayout)+1 : len(key)-len(recordSuffix)], true
}

// Save persists m unless a record for the same source id already exists.
// It sets ProcessedAt on m and reports whether a new record was written.
func (s *Store) Save(ctx context.Context, m *email.InboundMessage) (bool, error) {
	if m.ID == "" || strings.ContainsAny(m.ID, "/\\") {
		return false, fmt.Errorf("inbound id %q: %w", m.ID, email.ErrMalformedMessage)
	}

	existing, err := s.lookup(ctx, m.ID)
	switch {
	case err == nil:
		s.logger.Debug("inbound record already stored", "source_id", m.ID, "key", existing)
		return false, nil
	case !errors.Is(err, email.ErrNotFound):
		return false, err
	}

	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = s.now().UTC()
	}
	m.ProcessedAt = s.now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encode inbound %s: %w", m.ID, err)
	}
	key := RecordKey(m)
	if err := s.store.Put(ctx, s.bucket, key, data, "application/json"); err != nil {
		return false, fmt.Errorf("save inbound %s: %w", m.ID, err)
	}
	s.mu.Lock()
	if s.known != nil {
		s.known[m.ID] = key
	}
	s.mu.Unlock()

	s.logger.Info("inbound record stored", "source_id", m.ID, "key", key)
	return true, nil
}

// SaveAttachment stores the content of one attachment and returns its key.
func (s *Store) SaveAttachment(ctx context.Context, sourceID string, info email.AttachmentInfo, data []byte) (string, error) {
	key := AttachmentKey(sourceID, info.ID, info.Filename)
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.Put(ctx, s.bucket, key, data, contentType); err != nil {
		return "", fmt.Errorf("save attachment %s: %w", key, err)
	}
	return key, nil
}

// Exists reports whether a record for source id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.find(ctx, id)
	if errors.Is(err, email.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Refresh reloads the set of stored source ids from the bucket. Call it
// once per batch of saves to pick up records written by other processes.
func (s *Store) Refresh(ctx context.Context) error {
	known, err := s.scan(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.known = known
	s.mu.Unlock()
	return nil
}

// lookup returns the record key for source id from the known set, loading
// it first if needed.
func (s *Store) lookup(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	loaded := s.known != nil
	s.mu.Unlock()
	if !loaded {
		if err := s.Refresh(ctx); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	key, ok := s.known[id]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("inbound %s: %w", id, email.ErrNotFound)
	}
	return key, nil
}

func (s *Store) scan(ctx context.Context) (map[string]string, error) {
	objects, err := s.store.List(ctx, s.bucket, "")
	if err != nil {
		return nil, err
	}
	known := make(map[string]string, len(objects))
	for _, obj := range objects {
		if id, ok := parseRecordKey(obj.Key); ok {
			if _, dup := known[id]; !dup {
				known[id] = obj.Key
			}
		}
	}
	return known, nil
}

// find returns the record key for source id, reading the bucket directly.
func (s *Store) find(ctx context.Context, id string) (string, error) {
	objects, err := s.store.List(ctx, s.bucket, "")
	if err != nil {
		return "", err
	}
	for _, obj := range objects {
		if got, ok := parseRecordKey(obj.Key); ok && got == id {
			return obj.Key, nil
		}
	}
	return "", fmt.Errorf("inbound %s: %w", id, email.ErrNotFound)
}

// load reads and decodes the record at key.
func (s *Store) load(ctx context.Context, key string) (*email.InboundMessage, error) {
	data, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		return nil, err
	}
	var m email.InboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w: %w", key, email.ErrMalformedMessage, err)
	}
	return &m, nil
}
