// Package stdout implements a Provider that prints emails to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/mail-gateway/internal/parser"
	"github.com/shineum/mail-gateway/internal/provider"
)

// Provider prints assembled messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Deliver prints a summary of the message. It always succeeds.
func (p *Provider) Deliver(_ context.Context, env provider.Envelope, raw []byte) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Message-ID: %s\n", env.MessageID)
	fmt.Fprintf(&b, "From: %s\n", env.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(env.To, ", "))

	msg, err := parser.Parse(raw)
	if err != nil {
		fmt.Fprintf(&b, "Raw: %s (unparsed: %v)\n", formatSize(len(raw)), err)
	} else {
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
		b.WriteString("Body:\n")
		body := msg.Text
		if body == "" {
			body = msg.HTML
		}
		b.WriteString(body + "\n")

		if len(msg.Attachments) > 0 {
			attachments := make([]string, 0, len(msg.Attachments))
			for _, att := range msg.Attachments {
				attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
		}
	}

	b.WriteString("========================================\n")

	// Write errors are ignored: stdout delivery always succeeds.
	_, _ = fmt.Fprint(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
