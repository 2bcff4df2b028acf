// Package session implements C2: the per-connection SMTP state machine
// that drives a single inbound conversation from the initial greeting
// through zero or more accepted messages, handing each one off to C3 for
// parsing and then to C4 for delivery.
package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"strings"

	"github.com/Govcraft/mail-laser/internal/mimeparse"
	"github.com/Govcraft/mail-laser/internal/protocol"
	"github.com/Govcraft/mail-laser/internal/set"
	"github.com/Govcraft/mail-laser/internal/trace"
	"github.com/Govcraft/mail-laser/internal/webhook"
)

// state is the session's position in the table from the protocol's
// command/response design (spec §4.2).
type state int

const (
	stateInitial state = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
	stateData
)

// maxDataSize bounds a single message's DATA payload. There's no
// configuration knob for this in the spec; it exists purely so a
// misbehaving or hostile peer can't exhaust memory with an unbounded body.
const maxDataSize = 32 << 20 // 32 MiB

// Dispatcher is the subset of *webhook.Dispatcher a session needs. Sessions
// depend on this interface, not the concrete type, so tests can substitute
// a recorder.
type Dispatcher interface {
	Submit(p *webhook.Payload)
}

// Session drives one SMTP connection. Create one with New and call Handle.
type Session struct {
	hostname       string
	targetEmails   *set.CaseInsensitive
	headerPrefixes []string
	dispatcher     Dispatcher
	tlsConfig      *tls.Config

	conn  net.Conn
	codec *protocol.Codec
	tr    *trace.Trace

	state state

	// tlsActive is set once STARTTLS has completed a handshake, so a
	// second STARTTLS over the encrypted stream is rejected outright
	// rather than attempting a handshake on top of a handshake.
	tlsActive bool

	// Envelope, reset after every completed or abandoned message. mailTo
	// is singular: spec.md models accepted_recipient as a single optional
	// field, and repeated RCPT TOs in one transaction overwrite it rather
	// than accumulating a recipient list.
	mailFrom string
	mailTo   string
	hasRcpt  bool
}

// Config holds the fixed parameters every session on a listener shares.
type Config struct {
	Hostname       string
	TargetEmails   *set.CaseInsensitive
	HeaderPrefixes []string
	Dispatcher     Dispatcher
	TLSConfig      *tls.Config
}

// New creates a Session bound to conn, ready to run from the Initial
// state.
func New(conn net.Conn, cfg Config) *Session {
	return &Session{
		hostname:       cfg.Hostname,
		targetEmails:   cfg.TargetEmails,
		headerPrefixes: cfg.HeaderPrefixes,
		dispatcher:     cfg.Dispatcher,
		tlsConfig:      cfg.TLSConfig,
		conn:           conn,
		codec:          protocol.New(conn, conn),
		state:          stateInitial,
	}
}

// Handle runs the session to completion: greeting, command loop, and
// cleanup. It returns once the peer disconnects, issues QUIT, or the
// connection otherwise becomes unusable.
func (s *Session) Handle() {
	defer s.conn.Close()

	s.tr = trace.New("SMTP.Conn", s.conn.RemoteAddr().String())
	defer s.tr.Finish()

	if err := s.codec.WriteLine("220 mail-laser ESMTP ready"); err != nil {
		s.tr.Errorf("writing greeting: %v", err)
		return
	}

	for {
		line, err := s.codec.ReadLine()
		if err != nil {
			s.tr.Debugf("connection ended: %v", err)
			return
		}

		verb, params := splitCommand(line)
		s.tr.Debugf("-> %s %s", verb, params)

		reply, done := s.dispatch(verb, params)
		if reply == "" {
			// STARTTLS already wrote its own response and swapped the
			// transport; nothing further to send for this command.
			if done {
				return
			}
			continue
		}

		if err := s.codec.WriteLine(reply); err != nil {
			s.tr.Errorf("writing reply: %v", err)
			return
		}
		s.tr.Debugf("<- %s", reply)

		if done {
			return
		}
	}
}

// dispatch runs one command against the state machine and returns the
// reply line (possibly multi-line, joined by "\r\n") and whether the
// connection should close afterward.
func (s *Session) dispatch(verb, params string) (reply string, done bool) {
	switch verb {
	case "HELO":
		return s.helo(params), false
	case "EHLO":
		return s.ehlo(params), false
	case "STARTTLS":
		return s.starttls(params)
	case "MAIL":
		return s.mailFromCmd(params), false
	case "RCPT":
		return s.rcptToCmd(params), false
	case "DATA":
		return s.data(params), false
	case "QUIT":
		return "221 2.0.0 Bye", true
	default:
		return "500 5.5.1 Unknown command", false
	}
}

func (s *Session) helo(params string) string {
	if strings.TrimSpace(params) == "" {
		return "501 5.5.4 Syntax: HELO hostname"
	}
	s.state = stateGreeted
	return fmt.Sprintf("250 %s", s.hostname)
}

func (s *Session) ehlo(params string) string {
	if strings.TrimSpace(params) == "" {
		return "501 5.5.4 Syntax: EHLO hostname"
	}
	s.state = stateGreeted
	return fmt.Sprintf("250-%s\r\n250 STARTTLS", s.hostname)
}

func (s *Session) starttls(params string) (reply string, done bool) {
	if s.tlsActive {
		return "503 STARTTLS already active", false
	}
	if s.state != stateGreeted {
		return "503 5.5.1 Bad sequence of commands", false
	}
	if s.tlsConfig == nil {
		return "454 4.7.0 TLS not available", false
	}

	if err := s.codec.WriteLine("220 2.0.0 Ready to start TLS"); err != nil {
		s.tr.Errorf("writing STARTTLS response: %v", err)
		return "", true
	}
	s.tr.Debugf("<- 220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.tr.Errorf("TLS handshake: %v", err)
		return "", true
	}

	// The upgraded stream replaces the plaintext one; the same codec type
	// drives both, per C1's stream-agnostic design.
	s.conn = tlsConn
	s.codec = protocol.New(tlsConn, tlsConn)
	s.resetEnvelope()
	s.state = stateInitial
	s.tlsActive = true

	return "", false
}

func (s *Session) mailFromCmd(params string) string {
	if s.state != stateGreeted {
		return "503 5.5.1 Bad sequence of commands"
	}
	if !hasPrefixFold(params, "FROM:") {
		return "501 5.5.4 Syntax: MAIL FROM:<address>"
	}

	addr, err := parseAddress(strings.TrimSpace(params[len("FROM:"):]))
	if err != nil {
		return "501 5.1.7 Sender address malformed"
	}

	s.resetEnvelope()
	s.mailFrom = addr
	s.state = stateMailFrom
	return "250 2.1.0 Sender OK"
}

func (s *Session) rcptToCmd(params string) string {
	switch s.state {
	case stateMailFrom, stateRcptTo:
	default:
		return "503 5.5.1 Bad sequence of commands"
	}
	if !hasPrefixFold(params, "TO:") {
		return "501 5.5.4 Syntax: RCPT TO:<address>"
	}

	addr, err := parseAddress(strings.TrimSpace(params[len("TO:"):]))
	if err != nil {
		return "501 5.1.3 Recipient address malformed"
	}

	if !s.targetEmails.Has(addr) {
		// Stays in the current state; the client may retry with a
		// different recipient.
		return "550 5.1.1 Recipient not accepted"
	}

	// A further RCPT TO in the same transaction overwrites the envelope's
	// single recipient rather than accumulating one; the state table only
	// requires it to be acknowledged with 250, not queued for delivery.
	s.mailTo = addr
	s.hasRcpt = true
	s.state = stateRcptTo
	return "250 2.1.5 Recipient OK"
}

func (s *Session) data(params string) string {
	if s.state != stateRcptTo || !s.hasRcpt {
		return "503 5.5.1 Bad sequence of commands"
	}

	if err := s.codec.WriteLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		s.tr.Errorf("writing DATA continuation: %v", err)
		return ""
	}
	s.tr.Debugf("<- 354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.codec.ReadDotTerminated(maxDataSize)
	if err != nil {
		if err == protocol.ErrMessageTooLarge {
			s.resetEnvelope()
			s.state = stateGreeted
			return "552 5.3.4 Message size exceeds fixed maximum message size"
		}
		s.tr.Errorf("reading DATA: %v", err)
		s.resetEnvelope()
		s.state = stateGreeted
		return "451 4.3.0 Error reading message"
	}

	s.tr.Debugf("-> ... %d bytes of data", len(raw))

	result, err := mimeparse.Parse(raw, s.headerPrefixes)
	if err != nil {
		s.tr.Errorf("parsing message: %v", err)
		s.resetEnvelope()
		s.state = stateGreeted
		return "554 5.6.0 Error parsing message"
	}

	payload := &webhook.Payload{
		Sender:    s.mailFrom,
		Recipient: s.mailTo,
		Subject:   result.Subject,
		Body:      result.Body,
		Headers:   result.Headers,
	}
	if result.HasSenderName {
		payload.SenderName = result.SenderName
	}
	if result.HasHTMLBody {
		payload.HTMLBody = result.HTMLBody
	}
	s.dispatcher.Submit(payload)

	s.tr.Printf("accepted from %s to %s", s.mailFrom, s.mailTo)

	s.resetEnvelope()
	s.state = stateGreeted
	return "250 2.0.0 OK: Message accepted for delivery"
}

func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.mailTo = ""
	s.hasRcpt = false
}

// splitCommand splits an input line into its verb (upper-cased) and the
// remainder of the line, unchanged.
func splitCommand(line string) (verb, params string) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	verb = strings.ToUpper(parts[0])
	if len(parts) == 2 {
		params = parts[1]
	}
	return verb, params
}

// hasPrefixFold reports whether s starts with prefix, ignoring case.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// parseAddress accepts "<addr>", a bare "addr", or a display-name form
// ("Name" <addr>), returning the bare address with its surrounding casing
// preserved (spec §4.2: the original casing is what later appears in the
// payload).
func parseAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "<>" || raw == "" {
		return "", fmt.Errorf("session: empty address")
	}

	// Strip any trailing SMTP parameters (e.g. "<a@b> SIZE=123"); the
	// address itself is always the first token up to a space outside the
	// angle brackets, if any are present.
	if idx := strings.IndexByte(raw, '<'); idx >= 0 {
		if end := strings.IndexByte(raw[idx:], '>'); end >= 0 {
			raw = raw[:idx+end+1]
		}
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil {
		// Fall back to treating the whole (trimmed, bracket-stripped)
		// string as a bare address.
		bare := strings.Trim(raw, "<>")
		bare = strings.TrimSpace(bare)
		if bare == "" || !strings.Contains(bare, "@") {
			return "", fmt.Errorf("session: malformed address %q: %w", raw, err)
		}
		return bare, nil
	}
	if addr.Address == "" {
		return "", fmt.Errorf("session: empty address")
	}
	return addr.Address, nil
}
