// Package imap implements a raw mail store over IMAP. Unseen messages are
// unconsumed; consuming a message sets its \Seen flag.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/mailbox"
	gwtls "github.com/shineum/mail-gateway/internal/tls"
)

// Config holds IMAP connection settings.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	Folder             string
	Timeout            time.Duration
}

// Store fetches messages from one IMAP folder. Every operation uses its
// own session.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

var _ mailbox.RawStore = (*Store)(nil)

// New creates an IMAP store.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger}
}

// NewSource returns a mailbox.Source backed by an IMAP store.
func NewSource(cfg Config, logger *slog.Logger) *mailbox.RawSource {
	return mailbox.NewRawSource(New(cfg, logger), logger)
}

// Name returns the store name.
func (s *Store) Name() string {
	return "imap"
}

// List returns the UIDs of unseen messages.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.session(ctx, func(c *imapclient.Client) error {
		criteria := &goimap.SearchCriteria{
			NotFlag: []goimap.Flag{goimap.FlagSeen},
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("imap search: %w", err)
		}
		for _, uid := range data.AllUIDs() {
			ids = append(ids, strconv.FormatUint(uint64(uid), 10))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listed unseen imap messages", "folder", s.cfg.Folder, "count", len(ids))
	return ids, nil
}

// Retrieve returns the full RFC 5322 content of UID id without setting
// \Seen.
func (s *Store) Retrieve(ctx context.Context, id string) ([]byte, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = s.session(ctx, func(c *imapclient.Client) error {
		section := &goimap.FetchItemBodySection{Peek: true}
		bufs, err := c.Fetch(goimap.UIDSetNum(uid), &goimap.FetchOptions{
			UID:         true,
			BodySection: []*goimap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return fmt.Errorf("imap fetch %s: %w", id, err)
		}
		if len(bufs) == 0 {
			return fmt.Errorf("imap uid %s: %w", id, email.ErrNotFound)
		}
		raw = bufs[0].FindBodySection(section)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("imap uid %s: empty body: %w", id, email.ErrMalformedMessage)
	}
	return raw, nil
}

// Consume sets \Seen on UID id.
func (s *Store) Consume(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	return s.session(ctx, func(c *imapclient.Client) error {
		store := &goimap.StoreFlags{
			Op:     goimap.StoreFlagsAdd,
			Silent: true,
			Flags:  []goimap.Flag{goimap.FlagSeen},
		}
		if err := c.Store(goimap.UIDSetNum(uid), store, nil).Close(); err != nil {
			return fmt.Errorf("imap store %s: %w", id, err)
		}
		return nil
	})
}

// session dials, logs in and selects the folder, then runs fn. Failures
// before fn runs wrap email.ErrTransportUnavailable.
func (s *Store) session(ctx context.Context, fn func(c *imapclient.Client) error) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	dialer := &net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("imap connect %s: %w: %w", addr, email.ErrTransportUnavailable, err)
	}
	if err := conn.SetDeadline(time.Now().Add(s.cfg.Timeout)); err != nil {
		conn.Close()
		return fmt.Errorf("imap connect %s: %w: %w", addr, email.ErrTransportUnavailable, err)
	}
	if s.cfg.TLS {
		conn = tls.Client(conn, gwtls.ClientConfig(s.cfg.Host, s.cfg.InsecureSkipVerify))
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	client := imapclient.New(conn, nil)
	defer client.Close()

	if err := client.WaitGreeting(); err != nil {
		return fmt.Errorf("imap greeting %s: %w: %w", addr, email.ErrTransportUnavailable, err)
	}
	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("imap login %s: %w: %w: %w", s.cfg.Username, email.ErrTransportUnavailable, email.ErrAuthenticationFailed, err)
	}
	if _, err := client.Select(s.cfg.Folder, nil).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w: %w", s.cfg.Folder, email.ErrTransportUnavailable, err)
	}

	fnErr := fn(client)

	if err := client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "error", err)
	}
	return fnErr
}

// parseUID converts a source id back into an IMAP UID.
func parseUID(id string) (goimap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("imap uid %q: %w", id, email.ErrNotFound)
	}
	return goimap.UID(n), nil
}
