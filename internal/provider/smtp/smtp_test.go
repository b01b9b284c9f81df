package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	netsmtp "net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/provider"
	"github.com/shineum/mail-gateway/internal/provider/smtp/relaytest"
	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

const testMessage = "From: gateway@example.com\r\nTo: bob@example.org\r\nSubject: Hi\r\n\r\nHello Bob\r\n.leading dot\r\n"

func startRelay(t *testing.T, cfg relaytest.Config) *relaytest.Server {
	t.Helper()
	srv, err := relaytest.Start(cfg)
	if err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func relayFor(srv *relaytest.Server, cfg Config) *Relay {
	cfg.Host = srv.Host()
	cfg.Port = srv.Port()
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = gwtls.ClientConfig(cfg.Host, true)
	}
	return New(cfg, nil)
}

func testEnvelope(to ...string) provider.Envelope {
	if len(to) == 0 {
		to = []string{"bob@example.org"}
	}
	return provider.Envelope{MessageID: "m-1", From: "gateway@example.com", To: to}
}

func selfSigned(t *testing.T) *tls.Config {
	t.Helper()
	cert, err := gwtls.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{*cert}}
}

func assertKind(t *testing.T, err error, want provider.FailureKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s failure, got nil", want)
	}
	if got, _ := provider.Classify(err); got != want {
		t.Errorf("failure kind: got %q, want %q (err: %v)", got, want, err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := New(Config{}, nil).Name(); got != "smtp" {
		t.Errorf("Name(): got %q, want %q", got, "smtp")
	}
}

func TestDeliver_Success(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{})
	r := relayFor(srv, Config{})

	if err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(msgs))
	}
	if msgs[0].From != "gateway@example.com" {
		t.Errorf("From: got %q, want %q", msgs[0].From, "gateway@example.com")
	}
	if len(msgs[0].To) != 1 || msgs[0].To[0] != "bob@example.org" {
		t.Errorf("To: got %v", msgs[0].To)
	}
	if !strings.Contains(msgs[0].Data, "Subject: Hi") {
		t.Errorf("Data missing subject: %q", msgs[0].Data)
	}
	if !strings.Contains(msgs[0].Data, "\r\n.leading dot") {
		t.Errorf("dot stuffing not reversed: %q", msgs[0].Data)
	}
}

func TestDeliver_AuthPlain(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{Username: "user", Password: "pass"})
	r := relayFor(srv, Config{Username: "user", Password: "pass", AllowInsecureAuth: true})

	if err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n := len(srv.Messages()); n != 1 {
		t.Errorf("messages: got %d, want 1", n)
	}
}

func TestDeliver_AuthLoginFallback(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{Username: "user", Password: "pass", Mechanisms: []string{"LOGIN"}})
	r := relayFor(srv, Config{Username: "user", Password: "pass", AllowInsecureAuth: true})

	if err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestDeliver_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{Username: "user", Password: "pass"})
	r := relayFor(srv, Config{Username: "user", Password: "wrong", AllowInsecureAuth: true})

	err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage))
	assertKind(t, err, provider.FailureAuth)
	if !errors.Is(err, email.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
	if n := len(srv.Messages()); n != 0 {
		t.Errorf("messages: got %d, want 0", n)
	}
}

func TestDeliver_AuthWithoutTLSRefused(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{Username: "user", Password: "pass"})
	r := relayFor(srv, Config{Username: "user", Password: "pass"})

	err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage))
	assertKind(t, err, provider.FailureProtocol)
	if !strings.Contains(err.Error(), "allow_insecure_auth") {
		t.Errorf("error should name the setting: %v", err)
	}
	if n := len(srv.Messages()); n != 0 {
		t.Errorf("messages: got %d, want 0", n)
	}
}

func TestDeliver_AuthAfterImplicitTLS(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{
		TLSConfig:   selfSigned(t),
		ImplicitTLS: true,
		Username:    "user",
		Password:    "pass",
	})
	r := relayFor(srv, Config{Mode: ModeTLS, Username: "user", Password: "pass"})

	if err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n := len(srv.Messages()); n != 1 {
		t.Errorf("messages: got %d, want 1", n)
	}
}

func TestPlainAuth_RemoteHostWithoutTLS(t *testing.T) {
	t.Parallel()

	r := New(Config{Host: "relay.example.com", Username: "user", Password: "pass", AllowInsecureAuth: true}, nil)
	a := &saslAuth{client: sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)}

	mech, ir, err := a.Start(&netsmtp.ServerInfo{Name: "relay.example.com", TLS: false, Auth: []string{"PLAIN"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mech != "PLAIN" {
		t.Errorf("mechanism: got %q, want %q", mech, "PLAIN")
	}
	if got, want := string(ir), "\x00user\x00pass"; got != want {
		t.Errorf("initial response: got %q, want %q", got, want)
	}
	if resp, err := a.Next(nil, false); err != nil || resp != nil {
		t.Errorf("Next after success: got %q, %v", resp, err)
	}
}

func TestDeliver_ConnectRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	r := New(Config{Host: "127.0.0.1", Port: addr.Port, Timeout: 2 * time.Second}, nil)
	err = r.Deliver(context.Background(), testEnvelope(), []byte(testMessage))
	assertKind(t, err, provider.FailureConnect)
	if !errors.Is(err, email.ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestDeliver_GreetingRefused(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{GreetingCode: 554})
	r := relayFor(srv, Config{})

	assertKind(t, r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)), provider.FailureConnect)
}

func TestDeliver_SenderRefused(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{RejectSender: true})
	r := relayFor(srv, Config{})

	err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage))
	assertKind(t, err, provider.FailureSender)
	if !errors.Is(err, email.ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestDeliver_AllRecipientsRefused(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{RejectRecipients: []string{"bob@example.org"}})
	r := relayFor(srv, Config{})

	err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage))
	assertKind(t, err, provider.FailureRecipient)
	if !strings.Contains(err.Error(), "bob@example.org") {
		t.Errorf("error should name refused recipient: %v", err)
	}
}

func TestDeliver_SomeRecipientsRefused(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{RejectRecipients: []string{"bad@example.org"}})
	r := relayFor(srv, Config{})

	err := r.Deliver(context.Background(), testEnvelope("bob@example.org", "bad@example.org"), []byte(testMessage))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	msgs := srv.Messages()
	if len(msgs) != 1 || len(msgs[0].To) != 1 || msgs[0].To[0] != "bob@example.org" {
		t.Errorf("accepted recipients: got %+v", msgs)
	}
}

func TestDeliver_DataRefused(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{RejectData: true})
	r := relayFor(srv, Config{})

	assertKind(t, r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)), provider.FailureData)
}

func TestDeliver_StartTLSRequiredButMissing(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{})
	r := relayFor(srv, Config{StartTLS: true})

	assertKind(t, r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)), provider.FailureProtocol)
}

func TestDeliver_StartTLS(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{TLSConfig: selfSigned(t), Username: "user", Password: "pass"})
	r := relayFor(srv, Config{StartTLS: true, Username: "user", Password: "pass"})

	if err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n := len(srv.Messages()); n != 1 {
		t.Errorf("messages: got %d, want 1", n)
	}
}

func TestDeliver_ImplicitTLS(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{TLSConfig: selfSigned(t), ImplicitTLS: true})
	r := relayFor(srv, Config{Mode: ModeTLS})

	if err := r.Deliver(context.Background(), testEnvelope(), []byte(testMessage)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if n := len(srv.Messages()); n != 1 {
		t.Errorf("messages: got %d, want 1", n)
	}
}

func TestDeliver_CancelledContext(t *testing.T) {
	t.Parallel()

	srv := startRelay(t, relaytest.Config{})
	r := relayFor(srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.Deliver(ctx, testEnvelope(), []byte(testMessage)); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLoginAuth(t *testing.T) {
	t.Parallel()

	a := &loginAuth{username: "u", password: "p"}
	if proto, _, _ := a.Start(nil); proto != "LOGIN" {
		t.Errorf("Start: got %q, want LOGIN", proto)
	}
	if got, _ := a.Next([]byte("Username:"), true); string(got) != "u" {
		t.Errorf("username: got %q", got)
	}
	if got, _ := a.Next([]byte("Password:"), true); string(got) != "p" {
		t.Errorf("password: got %q", got)
	}
	if _, err := a.Next([]byte("Other:"), true); err == nil {
		t.Error("expected error for unknown challenge")
	}
}
