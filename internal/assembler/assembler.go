// Package assembler builds RFC 5322 MIME messages from outbound requests
// and their staged attachments.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mail-gateway/internal/email"
)

// extraTypes covers common attachment extensions missing from Go's builtin
// table on hosts without a system mime.types file.
var extraTypes = map[string]string{
	".txt":  "text/plain; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".log":  "text/plain; charset=utf-8",
	".ics":  "text/calendar; charset=utf-8",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".zip":  "application/zip",
	".bin":  "application/octet-stream",
}

func init() {
	for ext, typ := range extraTypes {
		if mime.TypeByExtension(ext) == "" {
			_ = mime.AddExtensionType(ext, typ)
		}
	}
}

// AttachmentSource resolves staged attachment keys.
type AttachmentSource interface {
	Open(ctx context.Context, key string) (email.Attachment, error)
}

// Signer signs a fully assembled message.
type Signer interface {
	Sign(message []byte) ([]byte, error)
}

// Config holds the sender identity stamped on every message.
type Config struct {
	From   string
	Domain string
}

// Assembled is a ready to send message and its envelope.
type Assembled struct {
	MessageID string
	From      string
	To        []string
	Raw       []byte
}

// Assembler turns OutboundRequests into MIME messages.
type Assembler struct {
	from        *mail.Address
	domain      string
	attachments AttachmentSource
	signer      Signer
	now         func() time.Time
}

// New creates an Assembler. signer may be nil.
func New(cfg Config, attachments AttachmentSource, signer Signer) (*Assembler, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", cfg.From, err)
	}
	domain := cfg.Domain
	if domain == "" {
		if at := strings.LastIndex(from.Address, "@"); at >= 0 {
			domain = from.Address[at+1:]
		}
	}
	return &Assembler{
		from:        from,
		domain:      domain,
		attachments: attachments,
		signer:      signer,
		now:         time.Now,
	}, nil
}

// Assemble builds the message for req under the given message id. Errors
// wrap email.ErrAssembly.
func (a *Assembler) Assemble(ctx context.Context, id string, req email.OutboundRequest) (*Assembled, error) {
	to, err := parseRecipients(req.To)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", email.ErrAssembly, err)
	}

	// Resolve every attachment before writing anything.
	atts := make([]email.Attachment, 0, len(req.AttachmentKeys))
	for _, key := range req.AttachmentKeys {
		att, err := a.attachments.Open(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %w", email.ErrAssembly, key, err)
		}
		atts = append(atts, att)
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{a.from})
	h.SetAddressList("To", to)
	h.SetSubject(req.Subject)
	h.SetDate(a.now())
	h.SetMessageID(id + "@" + a.domain)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("%w: create writer: %w", email.ErrAssembly, err)
	}

	var body mail.InlineHeader
	body.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := writePart(func() (io.WriteCloser, error) { return mw.CreateSingleInline(body) }, []byte(req.Body)); err != nil {
		return nil, fmt.Errorf("%w: body: %w", email.ErrAssembly, err)
	}

	for _, att := range atts {
		mediaType, params, cte := PartType(att.Filename)

		var ah mail.AttachmentHeader
		ah.SetContentType(mediaType, params)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", cte)

		if err := writePart(func() (io.WriteCloser, error) { return mw.CreateAttachment(ah) }, att.Content); err != nil {
			return nil, fmt.Errorf("%w: attachment %s: %w", email.ErrAssembly, att.Key, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("%w: close writer: %w", email.ErrAssembly, err)
	}

	raw := buf.Bytes()
	if a.signer != nil {
		if raw, err = a.signer.Sign(raw); err != nil {
			return nil, fmt.Errorf("%w: %w", email.ErrAssembly, err)
		}
	}

	rcpts := make([]string, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, addr.Address)
	}

	return &Assembled{
		MessageID: id,
		From:      a.from.Address,
		To:        rcpts,
		Raw:       raw,
	}, nil
}

// PartType derives an attachment's content type, parameters and transfer
// encoding from its filename extension. Text types keep their subtype and
// are quoted-printable. Image and audio types keep their subtype and are
// base64. Everything else is sent as application/octet-stream.
func PartType(filename string) (mediaType string, params map[string]string, cte string) {
	params = map[string]string{"name": filename}

	guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename)))
	mt, _, err := mime.ParseMediaType(guessed)
	if guessed == "" || err != nil {
		return "application/octet-stream", params, "base64"
	}

	major, _, _ := strings.Cut(mt, "/")
	switch major {
	case "text":
		params["charset"] = "utf-8"
		return mt, params, "quoted-printable"
	case "image", "audio":
		return mt, params, "base64"
	default:
		return "application/octet-stream", params, "base64"
	}
}

func parseRecipients(to string) ([]*mail.Address, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, fmt.Errorf("no recipient")
	}
	addrs, err := mail.ParseAddressList(to)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	return addrs, nil
}

func writePart(create func() (io.WriteCloser, error), data []byte) error {
	w, err := create()
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
