// Package pop3 implements a raw mail store over POP3. Every message left on
// the server is unconsumed; consuming a message deletes it.
package pop3

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pop3client "github.com/knadh/go-pop3"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/mailbox"
)

// Config holds POP3 connection settings.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// Store fetches messages from a POP3 maildrop. Source ids are UIDL values,
// which stay stable across sessions unlike message numbers.
type Store struct {
	cfg    Config
	client *pop3client.Client
	logger *slog.Logger
}

var _ mailbox.RawStore = (*Store)(nil)

// New creates a POP3 store.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := pop3client.New(pop3client.Opt{
		Host:          cfg.Host,
		Port:          cfg.Port,
		DialTimeout:   cfg.Timeout,
		TLSEnabled:    cfg.TLS,
		TLSSkipVerify: cfg.InsecureSkipVerify,
	})
	return &Store{cfg: cfg, client: client, logger: logger}
}

// NewSource returns a mailbox.Source backed by a POP3 store.
func NewSource(cfg Config, logger *slog.Logger) *mailbox.RawSource {
	return mailbox.NewRawSource(New(cfg, logger), logger)
}

// Name returns the store name.
func (s *Store) Name() string {
	return "pop3"
}

// List returns the UIDL of every message in the maildrop.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.session(ctx, func(conn *pop3client.Conn) error {
		msgs, err := conn.Uidl(0)
		if err != nil {
			return fmt.Errorf("pop3 uidl: %w: %w", email.ErrTransportUnavailable, err)
		}
		for _, m := range msgs {
			ids = append(ids, m.UID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listed pop3 messages", "count", len(ids))
	return ids, nil
}

// Retrieve downloads the message with UIDL id.
func (s *Store) Retrieve(ctx context.Context, id string) ([]byte, error) {
	var raw []byte
	err := s.session(ctx, func(conn *pop3client.Conn) error {
		n, err := lookup(conn, id)
		if err != nil {
			return err
		}
		buf, err := conn.RetrRaw(n)
		if err != nil {
			return fmt.Errorf("pop3 retr %s: %w: %w", id, email.ErrTransportUnavailable, err)
		}
		raw = buf.Bytes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Consume deletes the message with UIDL id. The deletion is committed when
// the session quits.
func (s *Store) Consume(ctx context.Context, id string) error {
	return s.session(ctx, func(conn *pop3client.Conn) error {
		n, err := lookup(conn, id)
		if err != nil {
			return err
		}
		if err := conn.Dele(n); err != nil {
			return fmt.Errorf("pop3 dele %s: %w: %w", id, email.ErrTransportUnavailable, err)
		}
		return nil
	})
}

// session connects and authenticates, runs fn and quits. go-pop3 has no
// context support, so ctx is only checked before dialing and the dial
// timeout bounds the connection.
func (s *Store) session(ctx context.Context, fn func(conn *pop3client.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pop3 %s:%d: %w: %w", s.cfg.Host, s.cfg.Port, email.ErrTransportUnavailable, err)
	}

	conn, err := s.client.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 connect %s:%d: %w: %w", s.cfg.Host, s.cfg.Port, email.ErrTransportUnavailable, err)
	}

	if err := conn.Auth(s.cfg.Username, s.cfg.Password); err != nil {
		conn.Quit()
		return fmt.Errorf("pop3 auth %s: %w: %w: %w", s.cfg.Username, email.ErrTransportUnavailable, email.ErrAuthenticationFailed, err)
	}

	if err := fn(conn); err != nil {
		conn.Quit()
		return err
	}
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w: %w", email.ErrTransportUnavailable, err)
	}
	return nil
}

// lookup maps a UIDL value to its message number in the current session.
func lookup(conn *pop3client.Conn, id string) (int, error) {
	msgs, err := conn.Uidl(0)
	if err != nil {
		return 0, fmt.Errorf("pop3 uidl: %w: %w", email.ErrTransportUnavailable, err)
	}
	for _, m := range msgs {
		if m.UID == id {
			return m.ID, nil
		}
	}
	return 0, fmt.Errorf("pop3 uid %s: %w", id, email.ErrNotFound)
}
