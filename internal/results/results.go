// Package results persists delivery outcomes in object storage, partitioned
// by UTC date and status.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/storage"
)

const dateLayout = "2006-01-02"

// Store is an append-only DeliveryResult store. Keys have the form
// {YYYY-MM-DD}/{status}/{messageId}.json.
type Store struct {
	store  storage.ObjectStore
	bucket string
	now    func() time.Time
}

// New creates a Store writing into bucket.
func New(store storage.ObjectStore, bucket string) *Store {
	return &Store{store: store, bucket: bucket, now: time.Now}
}

// Key returns the object key a result is stored under.
func Key(r email.DeliveryResult) string {
	return fmt.Sprintf("%s/%s/%s.json", r.Timestamp.UTC().Format(dateLayout), r.Status, r.MessageID)
}

// RawKey returns the object key of the debug copy of a raw message.
func RawKey(id string, at time.Time) string {
	return fmt.Sprintf("debug/%s/%s.eml", at.UTC().Format(dateLayout), id)
}

// Record writes r. It never checks for an existing result.
func (s *Store) Record(ctx context.Context, r email.DeliveryResult) error {
	if r.MessageID == "" {
		return errors.New("result has no message id")
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", r.MessageID, err)
	}
	if err := s.store.Put(ctx, s.bucket, Key(r), data, "application/json"); err != nil {
		return fmt.Errorf("failed to record result %s: %w", r.MessageID, err)
	}
	return nil
}

// StoreRaw keeps a copy of a transmitted message for debugging.
func (s *Store) StoreRaw(ctx context.Context, id string, raw []byte) error {
	if err := s.store.Put(ctx, s.bucket, RawKey(id, time.Now()), raw, "message/rfc822"); err != nil {
		return fmt.Errorf("failed to store raw message %s: %w", id, err)
	}
	return nil
}

// Read returns the result recorded for id, or an error wrapping
// email.ErrNotFound. Results from today and yesterday are read by key;
// older ones are found by listing the bucket.
func (s *Store) Read(ctx context.Context, id string) (email.DeliveryResult, error) {
	if id == "" || strings.ContainsAny(id, "/") {
		return email.DeliveryResult{}, fmt.Errorf("result %q: %w", id, email.ErrNotFound)
	}

	today := s.now().UTC()
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		for _, status := range []email.Status{email.StatusFailure, email.StatusSuccess} {
			key := Key(email.DeliveryResult{MessageID: id, Status: status, Timestamp: day})
			r, err := s.load(ctx, key)
			if err == nil {
				return r, nil
			}
			if !errors.Is(err, email.ErrNotFound) {
				return email.DeliveryResult{}, err
			}
		}
	}

	objects, err := s.store.List(ctx, s.bucket, "")
	if err != nil {
		return email.DeliveryResult{}, fmt.Errorf("failed to list results: %w", err)
	}

	suffix := "/" + id + ".json"
	for _, obj := range objects {
		if strings.HasPrefix(obj.Key, "debug/") || !strings.HasSuffix(obj.Key, suffix) {
			continue
		}
		return s.load(ctx, obj.Key)
	}
	return email.DeliveryResult{}, fmt.Errorf("result %s: %w", id, email.ErrNotFound)
}

// ListByDate returns the results recorded on date, optionally restricted to
// one status. An empty status matches both.
func (s *Store) ListByDate(ctx context.Context, date time.Time, status email.Status) ([]email.DeliveryResult, error) {
	prefix := date.UTC().Format(dateLayout) + "/"
	if status != "" {
		prefix += string(status) + "/"
	}

	objects, err := s.store.List(ctx, s.bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list results for %s: %w", prefix, err)
	}

	out := make([]email.DeliveryResult, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, ".json") {
			continue
		}
		r, err := s.load(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) load(ctx context.Context, key string) (email.DeliveryResult, error) {
	data, err := s.store.Get(ctx, s.bucket, key)
	if err != nil {
		return email.DeliveryResult{}, fmt.Errorf("failed to read result %s: %w", key, err)
	}
	var r email.DeliveryResult
	if err := json.Unmarshal(data, &r); err != nil {
		return email.DeliveryResult{}, fmt.Errorf("failed to decode result %s: %w", key, err)
	}
	return r, nil
}
