package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
)

// fakeMaildrop is a minimal single-user POP3 server.
type fakeMaildrop struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	uids     []string
	messages map[string]string
}

func startMaildrop(t *testing.T, messages map[string]string, order ...string) *fakeMaildrop {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &fakeMaildrop{ln: ln, password: "secret", uids: order, messages: messages}
	go m.serve()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeMaildrop) port() int {
	return m.ln.Addr().(*net.TCPAddr).Port
}

func (m *fakeMaildrop) remaining() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uids...)
}

func (m *fakeMaildrop) serve() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handle(conn)
	}
}

func (m *fakeMaildrop) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(conn, format+"\r\n", args...)
	}

	m.mu.Lock()
	session := append([]string(nil), m.uids...)
	m.mu.Unlock()
	deleted := make(map[int]bool)

	reply("+OK fake maildrop ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		switch strings.ToUpper(cmd) {
		case "USER":
			reply("+OK")
		case "PASS":
			if arg != m.password {
				reply("-ERR invalid password")
				continue
			}
			reply("+OK logged in")
		case "UIDL":
			reply("+OK")
			for i, uid := range session {
				if !deleted[i+1] {
					reply("%d %s", i+1, uid)
				}
			}
			reply(".")
		case "RETR":
			n, _ := strconv.Atoi(arg)
			if n < 1 || n > len(session) || deleted[n] {
				reply("-ERR no such message")
				continue
			}
			m.mu.Lock()
			body := m.messages[session[n-1]]
			m.mu.Unlock()
			reply("+OK message follows")
			for _, l := range strings.Split(body, "\r\n") {
				if strings.HasPrefix(l, ".") {
					l = "." + l
				}
				reply("%s", l)
			}
			reply(".")
		case "DELE":
			n, _ := strconv.Atoi(arg)
			if n < 1 || n > len(session) || deleted[n] {
				reply("-ERR no such message")
				continue
			}
			deleted[n] = true
			reply("+OK deleted")
		case "QUIT":
			m.mu.Lock()
			var keep []string
			for i, uid := range session {
				if !deleted[i+1] {
					keep = append(keep, uid)
				}
			}
			m.uids = keep
			m.mu.Unlock()
			reply("+OK bye")
			return
		default:
			reply("-ERR unknown command")
		}
	}
}

const sample = "From: alice@example.com\r\nTo: ops@example.com\r\nSubject: Order 42\r\n\r\nPlease ship it."

func newStore(m *fakeMaildrop, password string) *Store {
	return New(Config{
		Host:     "127.0.0.1",
		Port:     m.port(),
		Username: "ops",
		Password: password,
		Timeout:  2 * time.Second,
	}, nil)
}

func TestList(t *testing.T) {
	t.Parallel()

	m := startMaildrop(t, map[string]string{"uid-a": sample, "uid-b": sample}, "uid-a", "uid-b")
	ids, err := newStore(m, "secret").List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != "uid-a" || ids[1] != "uid-b" {
		t.Errorf("ids: got %v, want [uid-a uid-b]", ids)
	}
}

func TestRetrieve(t *testing.T) {
	t.Parallel()

	m := startMaildrop(t, map[string]string{"uid-a": sample}, "uid-a")
	s := newStore(m, "secret")

	raw, err := s.Retrieve(context.Background(), "uid-a")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !strings.Contains(string(raw), "Subject: Order 42") {
		t.Errorf("raw missing subject: %q", raw)
	}

	if _, err := s.Retrieve(context.Background(), "uid-z"); !errors.Is(err, email.ErrNotFound) {
		t.Errorf("unknown uid: expected ErrNotFound, got %v", err)
	}
}

func TestConsume(t *testing.T) {
	t.Parallel()

	m := startMaildrop(t, map[string]string{"uid-a": sample, "uid-b": sample}, "uid-a", "uid-b")
	s := newStore(m, "secret")

	if err := s.Consume(context.Background(), "uid-a"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got := m.remaining(); len(got) != 1 || got[0] != "uid-b" {
		t.Errorf("remaining: got %v, want [uid-b]", got)
	}
}

func TestAuthFailure(t *testing.T) {
	t.Parallel()

	m := startMaildrop(t, map[string]string{}, nil...)
	_, err := newStore(m, "wrong").List(context.Background())
	if !errors.Is(err, email.ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable, got %v", err)
	}
	if !errors.Is(err, email.ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestUnreachable(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New(Config{Host: "127.0.0.1", Port: port, Timeout: time.Second}, nil)
	if _, err := s.List(context.Background()); !errors.Is(err, email.ErrTransportUnavailable) {
		t.Errorf("expected ErrTransportUnavailable, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	m := startMaildrop(t, map[string]string{"uid-a": sample}, "uid-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newStore(m, "secret").List(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSourceEndToEnd(t *testing.T) {
	t.Parallel()

	m := startMaildrop(t, map[string]string{"uid-a": sample}, "uid-a")
	src := NewSource(Config{Host: "127.0.0.1", Port: m.port(), Username: "ops", Password: "secret", Timeout: 2 * time.Second}, nil)
	ctx := context.Background()

	ids, err := src.ListUnconsumed(ctx)
	if err != nil || len(ids) != 1 {
		t.Fatalf("ListUnconsumed: %v %v", ids, err)
	}
	msg, err := src.FetchContent(ctx, ids[0])
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if msg.Subject != "Order 42" || msg.From.Address != "alice@example.com" {
		t.Errorf("message: got %+v", msg)
	}
	if err := src.MarkConsumed(ctx, ids[0]); err != nil {
		t.Fatalf("MarkConsumed: %v", err)
	}
	if src.Name() != "pop3" {
		t.Errorf("Name: got %q, want %q", src.Name(), "pop3")
	}
}
