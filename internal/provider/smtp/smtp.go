// Package smtp implements a Provider that relays messages to an SMTP server.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/shineum/mail-gateway/internal/provider"
	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

// defaultTimeout bounds a whole delivery session when none is configured.
const defaultTimeout = 30 * time.Second

// Mode selects how the connection to the relay is secured.
type Mode string

const (
	// ModePlain connects in clear text and optionally upgrades with STARTTLS.
	ModePlain Mode = "plain"
	// ModeTLS connects with implicit TLS.
	ModeTLS Mode = "tls"
)

// Config holds the configuration for creating a Relay.
type Config struct {
	Host     string
	Port     int
	Mode     Mode
	StartTLS bool
	Username string
	Password string
	Timeout  time.Duration

	// AllowInsecureAuth permits AUTH on a connection without TLS. When
	// false, credentials are only sent after implicit TLS or STARTTLS.
	AllowInsecureAuth bool

	// HelloName is sent in EHLO. Defaults to localhost.
	HelloName string

	// TLSConfig overrides the client TLS configuration.
	TLSConfig *tls.Config
}

// Relay delivers messages to a single SMTP relay.
type Relay struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Relay.
func New(cfg Config, logger *slog.Logger) *Relay {
	if cfg.Mode == "" {
		cfg.Mode = ModePlain
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HelloName == "" {
		cfg.HelloName = "localhost"
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = gwtls.ClientConfig(cfg.Host, false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, logger: logger}
}

// Name returns the provider name.
func (r *Relay) Name() string {
	return "smtp"
}

// Deliver makes one delivery attempt. The configured timeout bounds the
// whole session, dial included.
func (r *Relay) Deliver(ctx context.Context, env provider.Envelope, raw []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, err := r.dial(ctx)
	if err != nil {
		return provider.Fail(provider.FailureConnect, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client, err := netsmtp.NewClient(conn, r.cfg.Host)
	if err != nil {
		return provider.Fail(provider.FailureConnect, fmt.Errorf("greeting: %w", err))
	}
	defer client.Close()

	if err := client.Hello(r.cfg.HelloName); err != nil {
		return provider.Fail(provider.FailureProtocol, fmt.Errorf("EHLO: %w", err))
	}

	if r.cfg.Mode == ModePlain && r.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return provider.Fail(provider.FailureProtocol, errors.New("STARTTLS extension not supported by server"))
		}
		if err := client.StartTLS(r.cfg.TLSConfig); err != nil {
			return provider.Fail(provider.FailureProtocol, fmt.Errorf("STARTTLS: %w", err))
		}
	}

	if r.cfg.Username != "" && r.cfg.Password != "" {
		if _, secure := client.TLSConnectionState(); !secure && !r.cfg.AllowInsecureAuth {
			return provider.Fail(provider.FailureProtocol,
				errors.New("refusing to send credentials without TLS; set allow_insecure_auth to permit it"))
		}
		if err := client.Auth(r.auth(client)); err != nil {
			return provider.Fail(provider.FailureAuth, err)
		}
	}

	if err := client.Mail(env.From); err != nil {
		return provider.Fail(commandFailure(err, provider.FailureSender), fmt.Errorf("MAIL FROM: %w", err))
	}

	var refused []string
	for _, rcpt := range env.To {
		if err := client.Rcpt(rcpt); err != nil {
			if !isReply(err) {
				return provider.Fail(provider.FailureProtocol, fmt.Errorf("RCPT TO: %w", err))
			}
			refused = append(refused, fmt.Sprintf("%s: %v", rcpt, err))
		}
	}
	if len(refused) == len(env.To) {
		return provider.Fail(provider.FailureRecipient, errors.New(strings.Join(refused, "; ")))
	}
	if len(refused) > 0 {
		r.logger.Warn("some recipients refused",
			"message_id", env.MessageID,
			"refused", refused,
		)
	}

	w, err := client.Data()
	if err != nil {
		return provider.Fail(commandFailure(err, provider.FailureData), fmt.Errorf("DATA: %w", err))
	}
	if _, err := w.Write(raw); err != nil {
		return provider.Fail(provider.FailureProtocol, fmt.Errorf("write message: %w", err))
	}
	if err := w.Close(); err != nil {
		return provider.Fail(commandFailure(err, provider.FailureData), fmt.Errorf("end of data: %w", err))
	}

	// The message is accepted at this point.
	if err := client.Quit(); err != nil {
		r.logger.Debug("smtp QUIT failed", "message_id", env.MessageID, "error", err)
	}

	r.logger.Debug("message relayed",
		"message_id", env.MessageID,
		"relay", r.addr(),
		"recipients", len(env.To)-len(refused),
	)
	return nil
}

func (r *Relay) addr() string {
	return net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
}

func (r *Relay) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	if r.cfg.Mode == ModeTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: r.cfg.TLSConfig}
		conn, err := tlsDialer.DialContext(ctx, "tcp", r.addr())
		if err != nil {
			return nil, fmt.Errorf("tls dial %s: %w", r.addr(), err)
		}
		return conn, nil
	}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", r.addr(), err)
	}
	return conn, nil
}

// auth picks PLAIN when the server offers it, LOGIN otherwise. Whether
// the connection is secure enough has already been decided by Deliver.
func (r *Relay) auth(client *netsmtp.Client) netsmtp.Auth {
	plain := &saslAuth{client: sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)}
	_, mechs := client.Extension("AUTH")
	for _, m := range strings.Fields(strings.ToUpper(mechs)) {
		if m == "PLAIN" {
			return plain
		}
	}
	for _, m := range strings.Fields(strings.ToUpper(mechs)) {
		if m == "LOGIN" {
			return &loginAuth{username: r.cfg.Username, password: r.cfg.Password}
		}
	}
	return plain
}

// commandFailure returns kind for a server reply and FailureProtocol for
// anything else, such as a dropped connection.
func commandFailure(err error, kind provider.FailureKind) provider.FailureKind {
	if isReply(err) {
		return kind
	}
	return provider.FailureProtocol
}

func isReply(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr)
}

// saslAuth adapts a SASL client to net/smtp.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	return a.client.Next(fromServer)
}

// loginAuth implements the LOGIN SASL mechanism.
type loginAuth struct {
	username string
	password string
}

func (a *loginAuth) Start(server *netsmtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN challenge %q", fromServer)
	}
}
