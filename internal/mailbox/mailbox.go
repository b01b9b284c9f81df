// Package mailbox defines the inbound mailbox source contract consumed by
// the receiver, and adapts raw RFC 5322 mail stores (IMAP, POP3) to it.
package mailbox

import (
	"context"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
)

// Message is the full content of one source message.
type Message struct {
	ID          string
	From        email.Address
	To          []email.Address
	Subject     string
	Text        string
	HTML        string
	Attachments []email.AttachmentInfo
	// ReceivedAt is the receipt time reported by the source.
	ReceivedAt time.Time
}

// Inbound converts m into the persisted record shape. ProcessedAt is left
// for the store to set.
func (m *Message) Inbound(source string) *email.InboundMessage {
	return &email.InboundMessage{
		ID:          m.ID,
		Source:      source,
		From:        m.From,
		To:          m.To,
		Subject:     m.Subject,
		Text:        m.Text,
		HTML:        m.HTML,
		Attachments: m.Attachments,
		ReceivedAt:  m.ReceivedAt.UTC(),
	}
}

// Source is an inbound mailbox polled by the receiver.
//
// Errors wrap email.ErrTransportUnavailable when the source cannot be
// reached, email.ErrNotFound for unknown ids and email.ErrMalformedMessage
// for content that cannot be normalized.
type Source interface {
	// Name identifies the source kind in persisted records.
	Name() string
	// ListUnconsumed returns the ids of messages not yet marked consumed.
	ListUnconsumed(ctx context.Context) ([]string, error)
	FetchContent(ctx context.Context, id string) (*Message, error)
	FetchAttachment(ctx context.Context, id, attachmentID string) ([]byte, error)
	// MarkConsumed excludes id from future ListUnconsumed results.
	MarkConsumed(ctx context.Context, id string) error
}
