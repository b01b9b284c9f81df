package maildev

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/mailbox"
)

// Config holds the configuration for creating a Source.
type Config struct {
	// BaseURL is the MailDev web address, e.g. http://localhost:1080.
	BaseURL string
	Timeout time.Duration
}

// Source polls a MailDev instance. A message counts as consumed once it is
// marked read.
type Source struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

var _ mailbox.Source = (*Source)(nil)

// New creates a new Source with the given configuration.
func New(cfg Config, logger *slog.Logger) *Source {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewWithClient(cfg.BaseURL, &http.Client{Timeout: timeout}, logger)
}

// NewWithClient creates a Source with a custom HTTP client, used for
// testing.
func NewWithClient(baseURL string, client *http.Client, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
		now:        time.Now,
	}
}

// Name returns the source name.
func (s *Source) Name() string {
	return "maildev"
}

// ListUnconsumed returns the ids of unread messages.
func (s *Source) ListUnconsumed(ctx context.Context) ([]string, error) {
	var mails []mailSummary
	if err := s.getJSON(ctx, "/api/mails", false, &mails); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(mails))
	for _, m := range mails {
		if !m.Read && m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	s.logger.Debug("listed maildev messages", "total", len(mails), "unread", len(ids))
	return ids, nil
}

// FetchContent returns the full content of message id.
func (s *Source) FetchContent(ctx context.Context, id string) (*mailbox.Message, error) {
	var d mailDetail
	if err := s.getJSON(ctx, "/api/mail/"+url.PathEscape(id), true, &d); err != nil {
		return nil, err
	}

	msg := &mailbox.Message{
		ID:         id,
		To:         d.To,
		Subject:    d.Subject,
		Text:       d.Text,
		HTML:       d.HTML,
		ReceivedAt: d.Time,
	}
	if len(d.From) > 0 {
		msg.From = d.From[0]
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = d.Date
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}
	for _, a := range d.Attachments {
		msg.Attachments = append(msg.Attachments, a.info())
	}
	return msg, nil
}

// FetchAttachment downloads one attachment of message id.
func (s *Source) FetchAttachment(ctx context.Context, id, attachmentID string) ([]byte, error) {
	path := "/api/mail/" + url.PathEscape(id) + "/attachment/" + url.PathEscape(attachmentID)
	resp, err := s.do(ctx, http.MethodGet, path, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment %s of %s: %w: %w", attachmentID, id, email.ErrTransportUnavailable, err)
	}
	return data, nil
}

// MarkConsumed marks message id as read.
func (s *Source) MarkConsumed(ctx context.Context, id string) error {
	resp, err := s.do(ctx, http.MethodPost, "/api/mail/"+url.PathEscape(id)+"/read", true)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *Source) getJSON(ctx context.Context, path string, perMessage bool, v any) error {
	resp, err := s.do(ctx, http.MethodGet, path, perMessage)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w: %w", path, email.ErrMalformedMessage, err)
	}
	return nil
}

// do performs a single request. Any response other than 2xx is an error:
// 404 wraps email.ErrNotFound. Other statuses wrap
// email.ErrMessageUnreadable on per-message paths, since the server did
// answer, and email.ErrTransportUnavailable on the listing.
func (s *Source) do(ctx context.Context, method, path string, perMessage bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, email.ErrTransportUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	sentinel := email.ErrTransportUnavailable
	switch {
	case resp.StatusCode == http.StatusNotFound:
		sentinel = email.ErrNotFound
	case perMessage:
		sentinel = email.ErrMessageUnreadable
	}
	return nil, fmt.Errorf("%s %s: HTTP %d: %s: %w", method, path, resp.StatusCode, strings.TrimSpace(string(body)), sentinel)
}
