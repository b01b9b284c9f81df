package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/storage"
)

// Stats summarizes the inbound bucket.
type Stats struct {
	Count           int       `json:"total_emails_received"`
	AttachmentCount int       `json:"total_attachments"`
	TotalBytes      int64     `json:"bucket_size_bytes"`
	LastUpdated     time.Time `json:"last_updated"`
}

// SummaryFilter selects a page of summaries. Empty Category or Priority
// match everything.
type SummaryFilter struct {
	Limit    int
	Offset   int
	Category string
	Priority string
}

// Conversation is the context of one message among the other messages of
// its sender.
type Conversation struct {
	ID           string    `json:"conversation_id"`
	Thread       []string  `json:"email_thread"`
	Participants []string  `json:"participants"`
	Topic        string    `json:"topic"`
	Sentiment    string    `json:"sentiment"`
	Urgency      string    `json:"urgency"`
	LastActivity time.Time `json:"last_activity"`
}

// Index reads persisted inbound records on demand. It keeps no state
// between calls.
type Index struct {
	store  *Store
	logger *slog.Logger
}

// NewIndex creates an Index over the records of store.
func NewIndex(store *Store) *Index {
	return &Index{store: store, logger: store.logger}
}

// records returns the record objects in key order, which is receipt
// order.
func (x *Index) records(ctx context.Context) ([]storage.ObjectInfo, error) {
	objects, err := x.store.store.List(ctx, x.store.bucket, "")
	if err != nil {
		return nil, err
	}
	var out []storage.ObjectInfo
	for _, obj := range objects {
		if _, ok := parseRecordKey(obj.Key); ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

// loadAll decodes objects, skipping records that cannot be read.
func (x *Index) loadAll(ctx context.Context, objects []storage.ObjectInfo) ([]*email.InboundMessage, error) {
	out := make([]*email.InboundMessage, 0, len(objects))
	for _, obj := range objects {
		m, err := x.store.load(ctx, obj.Key)
		if err != nil {
			if email.IsUnavailable(err) {
				return nil, err
			}
			x.logger.Error("skipping unreadable inbound record", "key", obj.Key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// List returns up to limit messages starting at offset. A limit of zero
// or less returns every message from offset on.
func (x *Index) List(ctx context.Context, limit, offset int) ([]*email.InboundMessage, error) {
	objects, err := x.records(ctx)
	if err != nil {
		return nil, err
	}
	return x.loadAll(ctx, page(objects, limit, offset))
}

// Search returns the messages whose subject, sender, recipients, text or
// HTML contain query, ignoring case.
func (x *Index) Search(ctx context.Context, query string) ([]*email.InboundMessage, error) {
	all, err := x.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []*email.InboundMessage
	for _, m := range all {
		if Matches(m, q) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Matches reports whether the lowercased query q occurs in any searchable
// field of m.
func Matches(m *email.InboundMessage, q string) bool {
	for _, f := range []string{m.Subject, m.From.String(), m.Recipients(), m.Text, m.HTML} {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

// Statistics counts records and attachments in the bucket. LastUpdated is
// the newest modification time of any object, zero for an empty bucket.
func (x *Index) Statistics(ctx context.Context) (Stats, error) {
	objects, err := x.store.store.List(ctx, x.store.bucket, "")
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, obj := range objects {
		if _, ok := parseRecordKey(obj.Key); ok {
			st.Count++
		} else {
			st.AttachmentCount++
		}
		st.TotalBytes += obj.Size
		if obj.LastModified.After(st.LastUpdated) {
			st.LastUpdated = obj.LastModified
		}
	}
	return st, nil
}

// Get returns the message with source id. It fails with email.ErrNotFound
// when no record exists.
func (x *Index) Get(ctx context.Context, id string) (*email.InboundMessage, error) {
	key, err := x.store.find(ctx, id)
	if err != nil {
		return nil, err
	}
	return x.store.load(ctx, key)
}

// Summaries annotates a page of messages, then drops those not matching
// the category and priority filters.
func (x *Index) Summaries(ctx context.Context, f SummaryFilter) ([]Summary, error) {
	msgs, err := x.List(ctx, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(msgs))
	for _, m := range msgs {
		s := Summarize(m)
		if f.Category != "" && s.Category != f.Category {
			continue
		}
		if f.Priority != "" && s.Priority != f.Priority {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// SearchSummaries annotates up to limit search results.
func (x *Index) SearchSummaries(ctx context.Context, query string, limit int) ([]Summary, error) {
	msgs, err := x.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]Summary, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Summarize(m))
	}
	return out, nil
}

// Context builds the conversation around message id: every message from
// the same sender, and everyone those messages involve.
func (x *Index) Context(ctx context.Context, id string) (*Conversation, error) {
	all, err := x.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}

	var target *email.InboundMessage
	for _, m := range all {
		if m.ID == id {
			target = m
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("inbound %s: %w", id, email.ErrNotFound)
	}

	conv := &Conversation{
		ID:           "conv_" + id,
		Topic:        TopicOf(target),
		Sentiment:    SentimentOf(target),
		Urgency:      UrgencyOf(target),
		LastActivity: target.ReceivedAt,
	}
	participants := make(map[string]struct{})
	for _, m := range all {
		if !strings.EqualFold(m.From.Address, target.From.Address) {
			continue
		}
		conv.Thread = append(conv.Thread, m.ID)
		participants[m.From.Address] = struct{}{}
		for _, a := range m.RecipientAddresses() {
			if a != "" {
				participants[a] = struct{}{}
			}
		}
	}
	for p := range participants {
		conv.Participants = append(conv.Participants, p)
	}
	sort.Strings(conv.Participants)
	return conv, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
