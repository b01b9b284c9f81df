package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/mail-gateway/internal/email"
)

// mockAttachments implements AttachmentSource for testing.
type mockAttachments struct {
	items     map[string]email.Attachment
	callCount int
}

func (m *mockAttachments) Open(ctx context.Context, key string) (email.Attachment, error) {
	m.callCount++
	att, ok := m.items[key]
	if !ok {
		return email.Attachment{}, fmt.Errorf("get %s: %w", key, email.ErrNotFound)
	}
	return att, nil
}

type mockSigner struct{ calls int }

func (s *mockSigner) Sign(msg []byte) ([]byte, error) {
	s.calls++
	return append([]byte("DKIM-Signature: test\r\n"), msg...), nil
}

func newTestAssembler(t *testing.T, atts *mockAttachments, signer Signer) *Assembler {
	t.Helper()
	a, err := New(Config{From: "Gateway <gateway@example.com>"}, atts, signer)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

type readPart struct {
	contentType string
	filename    string
	cte         string
	body        []byte
}

func readParts(t *testing.T, raw []byte) (*mail.Reader, []readPart) {
	t.Helper()
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	var parts []readPart
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		body, _ := io.ReadAll(p.Body)
		rp := readPart{body: body, cte: p.Header.Get("Content-Transfer-Encoding")}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			rp.contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			rp.contentType, _, _ = h.ContentType()
			rp.filename, _ = h.Filename()
		}
		parts = append(parts, rp)
	}
	return mr, parts
}

func TestAssemble_Headers(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, &mockAttachments{}, nil)
	req := email.OutboundRequest{To: "Bob <bob@example.org>", Subject: "Olá mundo", Body: "hello"}

	out, err := a.Assemble(context.Background(), "abc-123", req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if out.MessageID != "abc-123" {
		t.Errorf("MessageID: got %q, want %q", out.MessageID, "abc-123")
	}
	if out.From != "gateway@example.com" {
		t.Errorf("From: got %q, want %q", out.From, "gateway@example.com")
	}
	if len(out.To) != 1 || out.To[0] != "bob@example.org" {
		t.Errorf("To: got %v, want [bob@example.org]", out.To)
	}

	mr, parts := readParts(t, out.Raw)
	if got := mr.Header.Get("Message-Id"); got != "<abc-123@example.com>" {
		t.Errorf("Message-ID: got %q, want %q", got, "<abc-123@example.com>")
	}
	if got := mr.Header.Get("Mime-Version"); got != "1.0" {
		t.Errorf("MIME-Version: got %q, want %q", got, "1.0")
	}
	if subject, _ := mr.Header.Subject(); subject != "Olá mundo" {
		t.Errorf("Subject: got %q, want %q", subject, "Olá mundo")
	}
	if date, err := mr.Header.Date(); err != nil || !date.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Date: got %v (%v)", date, err)
	}
	if len(parts) != 1 || parts[0].contentType != "text/plain" || string(parts[0].body) != "hello" {
		t.Errorf("body part: got %+v", parts)
	}
}

func TestAssemble_AttachmentsInOrder(t *testing.T) {
	t.Parallel()

	atts := &mockAttachments{items: map[string]email.Attachment{
		"k1_notes.txt": {Key: "k1_notes.txt", Filename: "notes.txt", Content: []byte("line one\nline two")},
		"k2_photo.png": {Key: "k2_photo.png", Filename: "photo.png", Content: []byte{0x89, 'P', 'N', 'G'}},
		"k3_blob.bin":  {Key: "k3_blob.bin", Filename: "blob.bin", Content: []byte{0, 1, 2, 3}},
	}}
	a := newTestAssembler(t, atts, nil)

	req := email.OutboundRequest{
		To:             "bob@example.org",
		Subject:        "files",
		Body:           "see attached",
		AttachmentKeys: []string{"k1_notes.txt", "k2_photo.png", "k3_blob.bin"},
	}
	out, err := a.Assemble(context.Background(), "id-1", req)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	_, parts := readParts(t, out.Raw)
	if len(parts) != 4 {
		t.Fatalf("part count: got %d, want 4", len(parts))
	}

	want := []struct {
		contentType string
		filename    string
		cte         string
		body        []byte
	}{
		{"text/plain", "notes.txt", "quoted-printable", []byte("line one\nline two")},
		{"image/png", "photo.png", "base64", []byte{0x89, 'P', 'N', 'G'}},
		{"application/octet-stream", "blob.bin", "base64", []byte{0, 1, 2, 3}},
	}
	for i, w := range want {
		got := parts[i+1]
		if got.contentType != w.contentType {
			t.Errorf("part %d content type: got %q, want %q", i, got.contentType, w.contentType)
		}
		if got.filename != w.filename {
			t.Errorf("part %d filename: got %q, want %q", i, got.filename, w.filename)
		}
		if !strings.EqualFold(got.cte, w.cte) {
			t.Errorf("part %d encoding: got %q, want %q", i, got.cte, w.cte)
		}
		if !bytes.Equal(bytes.ReplaceAll(got.body, []byte("\r\n"), []byte("\n")), w.body) {
			t.Errorf("part %d body: got %q, want %q", i, got.body, w.body)
		}
	}
}

func TestAssemble_MissingAttachment(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, &mockAttachments{}, nil)
	req := email.OutboundRequest{To: "bob@example.org", AttachmentKeys: []string{"gone_file.pdf"}}

	_, err := a.Assemble(context.Background(), "id-2", req)
	if !errors.Is(err, email.ErrAssembly) {
		t.Fatalf("expected ErrAssembly, got %v", err)
	}
	if !errors.Is(err, email.ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", err)
	}
}

func TestAssemble_InvalidRecipient(t *testing.T) {
	t.Parallel()

	a := newTestAssembler(t, &mockAttachments{}, nil)
	for _, to := range []string{"", "not an address"} {
		if _, err := a.Assemble(context.Background(), "id", email.OutboundRequest{To: to}); !errors.Is(err, email.ErrAssembly) {
			t.Errorf("To %q: expected ErrAssembly, got %v", to, err)
		}
	}
}

func TestAssemble_Signs(t *testing.T) {
	t.Parallel()

	signer := &mockSigner{}
	a := newTestAssembler(t, &mockAttachments{}, signer)

	out, err := a.Assemble(context.Background(), "id-3", email.OutboundRequest{To: "bob@example.org", Body: "x"})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if signer.calls != 1 {
		t.Errorf("sign calls: got %d, want 1", signer.calls)
	}
	if !bytes.HasPrefix(out.Raw, []byte("DKIM-Signature:")) {
		t.Error("expected signed output")
	}
}

func TestPartType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		filename string
		wantType string
		wantCTE  string
	}{
		{"a.txt", "text/plain", "quoted-printable"},
		{"a.html", "text/html", "quoted-printable"},
		{"a.csv", "text/csv", "quoted-printable"},
		{"a.PNG", "image/png", "base64"},
		{"a.jpg", "image/jpeg", "base64"},
		{"a.mp3", "audio/mpeg", "base64"},
		{"a.pdf", "application/octet-stream", "base64"},
		{"a.bin", "application/octet-stream", "base64"},
		{"noext", "application/octet-stream", "base64"},
	}
	for _, tt := range tests {
		mt, params, cte := PartType(tt.filename)
		if mt != tt.wantType {
			t.Errorf("PartType(%q) type: got %q, want %q", tt.filename, mt, tt.wantType)
		}
		if cte != tt.wantCTE {
			t.Errorf("PartType(%q) encoding: got %q, want %q", tt.filename, cte, tt.wantCTE)
		}
		if params["name"] != tt.filename {
			t.Errorf("PartType(%q) name: got %q", tt.filename, params["name"])
		}
	}
}

func TestNew_InvalidSender(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{From: "not an address"}, &mockAttachments{}, nil); err == nil {
		t.Fatal("expected error for invalid sender")
	}
}
