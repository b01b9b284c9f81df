// Package relaytest provides an in-process scripted SMTP relay for testing
// outbound delivery and its failure classification.
package relaytest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"sync"
)

// Config scripts the relay's behaviour.
type Config struct {
	// Username and Password require AUTH when both are set.
	Username string
	Password string

	// Mechanisms lists the advertised AUTH mechanisms. Defaults to PLAIN LOGIN.
	Mechanisms []string

	// TLSConfig enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig   *tls.Config
	ImplicitTLS bool

	// GreetingCode replaces the 220 greeting, e.g. 554 to refuse service.
	GreetingCode int

	RejectSender     bool
	RejectRecipients []string
	RejectData       bool
}

// Message is a message accepted by the relay.
type Message struct {
	From string
	To   []string
	Data string
}

// Server is a scripted SMTP relay listening on a loopback port.
type Server struct {
	cfg      Config
	listener net.Listener

	mu       sync.Mutex
	messages []Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start begins listening on 127.0.0.1 with an ephemeral port.
func Start(cfg Config) (*Server, error) {
	if len(cfg.Mechanisms) == 0 {
		cfg.Mechanisms = []string{"PLAIN", "LOGIN"}
	}
	if cfg.GreetingCode == 0 {
		cfg.GreetingCode = 220
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if cfg.ImplicitTLS && cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, listener: ln, ctx: ctx, cancel: cancel}

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Debug("relay accept error", "error", err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(s.ctx)
		}()
	}
}

// Close stops the relay and waits for open sessions to finish.
func (s *Server) Close() {
	s.cancel()
	s.listener.Close()
	s.wg.Wait()
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns the messages accepted so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

func (s *Server) accept(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *Server) authEnabled() bool {
	return s.cfg.Username != "" && s.cfg.Password != ""
}

func (s *Server) recipientRejected(addr string) bool {
	for _, r := range s.cfg.RejectRecipients {
		if r == addr {
			return true
		}
	}
	return false
}
