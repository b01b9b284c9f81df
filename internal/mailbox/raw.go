package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shineum/mail-gateway/internal/parser"
)

// RawStore is a mail store that only hands out whole RFC 5322 messages.
type RawStore interface {
	Name() string
	List(ctx context.Context) ([]string, error)
	Retrieve(ctx context.Context, id string) ([]byte, error)
	Consume(ctx context.Context, id string) error
}

// RawSource adapts a RawStore to Source. Messages are parsed on fetch and
// kept until consumed or until the next listing, so attachments do not
// require another download.
type RawSource struct {
	store  RawStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	parsed map[string]*parser.Message
}

// NewRawSource wraps store.
func NewRawSource(store RawStore, logger *slog.Logger) *RawSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RawSource{
		store:  store,
		logger: logger,
		now:    time.Now,
		parsed: make(map[string]*parser.Message),
	}
}

// Name returns the underlying store name.
func (s *RawSource) Name() string {
	return s.store.Name()
}

// ListUnconsumed lists the store and drops any cached messages.
func (s *RawSource) ListUnconsumed(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	clear(s.parsed)
	s.mu.Unlock()

	return s.store.List(ctx)
}

// FetchContent retrieves and parses id. Messages without a Date header are
// stamped with the fetch time.
func (s *RawSource) FetchContent(ctx context.Context, id string) (*Message, error) {
	pm, err := s.message(ctx, id)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         id,
		From:       pm.From,
		To:         pm.To,
		Subject:    pm.Subject,
		Text:       pm.Text,
		HTML:       pm.HTML,
		ReceivedAt: pm.Date,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}
	for _, a := range pm.Attachments {
		msg.Attachments = append(msg.Attachments, a.Info())
	}
	return msg, nil
}

// FetchAttachment returns the decoded content of one attachment.
func (s *RawSource) FetchAttachment(ctx context.Context, id, attachmentID string) ([]byte, error) {
	pm, err := s.message(ctx, id)
	if err != nil {
		return nil, err
	}
	att, err := pm.Attachment(attachmentID)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return att.Content, nil
}

// MarkConsumed consumes id in the store.
func (s *RawSource) MarkConsumed(ctx context.Context, id string) error {
	if err := s.store.Consume(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.parsed, id)
	s.mu.Unlock()
	return nil
}

func (s *RawSource) message(ctx context.Context, id string) (*parser.Message, error) {
	s.mu.Lock()
	pm, ok := s.parsed[id]
	s.mu.Unlock()
	if ok {
		return pm, nil
	}

	raw, err := s.store.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	pm, err = parser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", id, err)
	}

	s.logger.Debug("parsed source message",
		"source", s.store.Name(),
		"source_id", id,
		"attachments", len(pm.Attachments),
	)

	s.mu.Lock()
	s.parsed[id] = pm
	s.mu.Unlock()
	return pm, nil
}
