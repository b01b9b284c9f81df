// Package parser provides RFC 5322 email message parsing with MIME multipart
// support, built on go-message. Charsets other than UTF-8 are decoded through
// go-message/charset.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mail-gateway/internal/email"
)

// Attachment is a decoded attachment part. ID is its 1-based position among
// the message's attachments.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	Content     []byte
}

// Info returns the attachment descriptor stored with inbound records.
func (a Attachment) Info() email.AttachmentInfo {
	return email.AttachmentInfo{
		ID:          a.ID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        len(a.Content),
	}
}

// Message is a parsed email.
type Message struct {
	MessageID   string
	From        email.Address
	To          []email.Address
	Cc          []email.Address
	Subject     string
	Date        time.Time
	Text        string
	HTML        string
	Attachments []Attachment
}

// Parse parses a raw RFC 5322 message. Plain text and HTML bodies are taken
// from the first inline part of each type. Parts with an attachment
// disposition, and non-text inline parts with a filename, become
// attachments. Errors wrap email.ErrMalformedMessage.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %w", email.ErrMalformedMessage, err)
	}
	if err != nil {
		slog.Warn("unknown charset in message header", "error", err)
	}
	defer mr.Close()

	result := &Message{}
	h := mr.Header

	if result.MessageID, err = h.MessageID(); err != nil {
		result.MessageID = strings.Trim(h.Get("Message-Id"), "<> ")
	}
	if result.Subject, err = h.Subject(); err != nil {
		slog.Warn("failed to decode subject", "error", err)
	}
	if result.Date, err = h.Date(); err != nil {
		slog.Warn("failed to parse date", "date", h.Get("Date"), "error", err)
	}

	from := parseAddressList(h, "From")
	if len(from) > 0 {
		result.From = from[0]
	}
	result.To = parseAddressList(h, "To")
	result.Cc = parseAddressList(h, "Cc")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: failed to read next part: %w", email.ErrMalformedMessage, err)
		}
		if err != nil {
			slog.Warn("unknown charset in part, keeping raw bytes", "error", err)
		}

		content, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read part content: %w", email.ErrMalformedMessage, err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			mediaType, params, _ := ph.ContentType()
			switch {
			case mediaType == "text/plain" && result.Text == "":
				result.Text = string(content)
			case mediaType == "text/html" && result.HTML == "":
				result.HTML = string(content)
			case params["name"] != "" && !strings.HasPrefix(mediaType, "text/"):
				result.addAttachment(params["name"], mediaType, content)
			default:
				slog.Debug("skipping inline part", "content_type", mediaType)
			}
		case *mail.AttachmentHeader:
			mediaType, _, _ := ph.ContentType()
			filename, _ := ph.Filename()
			result.addAttachment(filename, mediaType, content)
		}
	}

	return result, nil
}

func (m *Message) addAttachment(filename, mediaType string, content []byte) {
	if filename == "" {
		filename = fallbackFilename(mediaType)
	}
	m.Attachments = append(m.Attachments, Attachment{
		ID:          strconv.Itoa(len(m.Attachments) + 1),
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// Attachment returns the attachment with the given id.
func (m *Message) Attachment(id string) (Attachment, error) {
	for _, a := range m.Attachments {
		if a.ID == id {
			return a, nil
		}
	}
	return Attachment{}, fmt.Errorf("attachment %s: %w", id, email.ErrNotFound)
}

// fallbackFilename names an attachment that carries no filename.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// parseAddressList parses an address header. Unparseable lists fall back
// to a comma split so a single bad entry does not lose the rest.
func parseAddressList(h mail.Header, key string) []email.Address {
	addrs, err := h.AddressList(key)
	if err == nil {
		if len(addrs) == 0 {
			return nil
		}
		out := make([]email.Address, 0, len(addrs))
		for _, a := range addrs {
			out = append(out, email.Address{Address: a.Address, Name: a.Name})
		}
		return out
	}

	raw := h.Get(key)
	if raw == "" {
		return nil
	}
	var out []email.Address
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, email.Address{Address: trimmed})
		}
	}
	return out
}
