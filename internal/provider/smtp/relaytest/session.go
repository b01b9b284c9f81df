package relaytest

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout bounds how long a test session may sit idle.
const idleTimeout = 10 * time.Second

type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	relay  *Server

	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, relay *Server) *session {
	_, implicit := conn.(*tls.Conn)
	return &session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		state:     stateConnected,
		relay:     relay,
		tlsActive: implicit,
	}
}

func (s *session) handle(ctx context.Context) {
	defer s.conn.Close()

	if code := s.relay.cfg.GreetingCode; code != 220 {
		s.writeLine("%d Service not available", code)
		return
	}
	s.writeLine("220 relaytest ESMTP")

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("relay read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(cmd, arg) {
			return
		}
	}
}

func (s *session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}
	s.state = stateGreeted
	if cmd == "HELO" {
		s.writeLine("250 relaytest Hello %s", arg)
		return
	}

	s.writeLine("250-relaytest Hello %s", arg)
	if s.relay.cfg.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.relay.authEnabled() {
		s.writeLine("250-AUTH %s", strings.Join(s.relay.cfg.Mechanisms, " "))
	}
	s.writeLine("250 8BITMIME")
}

func (s *session) handleSTARTTLS() {
	if s.relay.cfg.TLSConfig == nil || s.tlsActive {
		s.writeLine("454 TLS not available")
		return
	}
	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.relay.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("relay TLS handshake failed", "error", err)
		return
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.relay.authEnabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	var user, pass string
	switch strings.ToUpper(parts[0]) {
	case "PLAIN":
		encoded := ""
		if len(parts) > 1 && parts[1] != "" {
			encoded = parts[1]
		} else {
			s.writeLine("334 ")
			encoded = s.readLine()
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.writeLine("501 Invalid base64")
			return
		}
		fields := strings.SplitN(string(decoded), "\x00", 3)
		if len(fields) != 3 {
			s.writeLine("501 Invalid AUTH PLAIN format")
			return
		}
		user, pass = fields[1], fields[2]
	case "LOGIN":
		s.writeLine("334 VXNlcm5hbWU6")
		u, err := base64.StdEncoding.DecodeString(s.readLine())
		if err != nil {
			s.writeLine("501 Invalid base64")
			return
		}
		s.writeLine("334 UGFzc3dvcmQ6")
		p, err := base64.StdEncoding.DecodeString(s.readLine())
		if err != nil {
			s.writeLine("501 Invalid base64")
			return
		}
		user, pass = string(u), string(p)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if user != s.relay.cfg.Username || pass != s.relay.cfg.Password {
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

func (s *session) handleMAIL(arg string) {
	if s.relay.authEnabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if s.relay.cfg.RejectSender {
		s.writeLine("553 Sender address rejected")
		return
	}

	s.mailFrom = extractAddress(arg[5:])
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if s.relay.recipientRejected(addr) {
		s.writeLine("550 No such user here")
		return
	}
	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}
		data.WriteString(line)
	}

	if s.relay.cfg.RejectData {
		s.writeLine("554 Message rejected")
		s.resetTransaction()
		return
	}

	s.relay.accept(Message{From: s.mailFrom, To: s.rcptTo, Data: data.String()})
	s.writeLine("250 OK message queued")
	s.resetTransaction()
}

func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.relay.authEnabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) readLine() string {
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

func (s *session) writeLine(format string, args ...interface{}) {
	if _, err := s.writer.WriteString(fmt.Sprintf(format, args...) + "\r\n"); err != nil {
		return
	}
	_ = s.writer.Flush()
}

func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		if end := strings.Index(s, ">"); end >= 0 {
			return s[1:end]
		}
		return ""
	}
	if sp := strings.IndexByte(s, ' '); sp >= 0 {
		return s[:sp]
	}
	return s
}
