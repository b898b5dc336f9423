package pop3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
)

const protocolLabel = "pop3"

// releaseTimeout bounds committing deletions after the client is gone.
const releaseTimeout = 30 * time.Second

type State int

const (
	StateAuthorization State = iota
	StateTransaction
)

func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// commandFunc handles one command. A returned error ends the session; all
// protocol level failures are reported to the client and return nil.
type commandFunc func(s *POP3Session, arg string) error

var commands = map[State]map[string]commandFunc{
	StateAuthorization: {
		"USER": (*POP3Session).handleUser,
		"PASS": (*POP3Session).handlePass,
		"QUIT": (*POP3Session).handleQuit,
	},
	StateTransaction: {
		"STAT": (*POP3Session).handleStat,
		"NOOP": (*POP3Session).handleNoop,
		"LIST": (*POP3Session).handleList,
		"RETR": (*POP3Session).handleRetr,
		"DELE": (*POP3Session).handleDele,
		"RSET": (*POP3Session).handleRset,
		"QUIT": (*POP3Session).handleQuit,
	},
}

// POP3Session runs the command loop of one connection. It is owned by the
// goroutine calling Serve.
type POP3Session struct {
	server.Session
	ctx     context.Context
	conn    LineReadWriter
	backend Backend
	srv     *POP3Server

	state       State
	pendingUser string
	mailbox     Mailbox
	quit        bool

	// errReplied is set when the last response line was "-ERR ...".
	errReplied bool
}

// NewSession returns a session in the AUTHORIZATION state.
func NewSession(ctx context.Context, conn LineReadWriter, backend Backend) *POP3Session {
	s := &POP3Session{
		ctx:     ctx,
		conn:    conn,
		backend: backend,
		state:   StateAuthorization,
	}
	s.Protocol = "POP3"
	return s
}

func (s *POP3Session) State() State {
	return s.state
}

func (s *POP3Session) Authenticated() bool {
	return s.state == StateTransaction
}

// Serve greets the client and processes commands until QUIT, end of
// stream or a transport failure. The mailbox is released in every case.
func (s *POP3Session) Serve() error {
	defer s.close()

	if err := s.reply(msgGreeting); err != nil {
		return err
	}
	s.DebugLog("connected")

	for !s.quit {
		if s.ctx.Err() != nil {
			s.DebugLog("context cancelled, closing session")
			return nil
		}

		line, err := s.conn.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, ErrLineTooLong):
				s.WarnLog("line too long")
				if err := s.reply(msgLineTooLong); err != nil {
					return err
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				s.Log("client dropped connection")
				return nil
			case isTimeout(err):
				s.Log("timed out")
				_ = s.reply(msgIdleTimeout)
				return nil
			default:
				return err
			}
		}

		if err := s.dispatch(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *POP3Session) dispatch(line string) error {
	verb, arg := parseCommand(line)
	s.DebugLog("command: %s", helpers.MaskSensitive(line, "PASS"))

	handler, ok := commands[s.state][verb]
	if !ok {
		metrics.CommandsTotal.WithLabelValues(protocolLabel, commandLabel(verb), "rejected").Inc()
		return s.reply(s.rejection(verb))
	}

	start := time.Now()
	s.errReplied = false
	err := handler(s, arg)
	status := "success"
	if err != nil || s.errReplied {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(protocolLabel, verb, status).Inc()
	metrics.CommandDuration.WithLabelValues(protocolLabel, verb).Observe(time.Since(start).Seconds())
	return err
}

// rejection picks the reply for a verb that has no handler in the current state.
func (s *POP3Session) rejection(verb string) string {
	if _, known := commands[StateTransaction][verb]; known && s.state == StateAuthorization {
		return fmt.Sprintf(msgNotAuthedFormat, verb)
	}
	if _, known := commands[StateAuthorization][verb]; known && s.state == StateTransaction {
		return msgAlreadyAuthed
	}
	return fmt.Sprintf("-ERR following command not recognized: %s", verb)
}

func commandLabel(verb string) string {
	for _, table := range commands {
		if _, ok := table[verb]; ok {
			return verb
		}
	}
	return "UNKNOWN"
}

func (s *POP3Session) handleUser(arg string) error {
	if arg == "" {
		return s.reply("-ERR no username provided")
	}

	exists, err := s.backend.UserExists(s.ctx, arg)
	if err != nil {
		s.WarnLog("USER lookup failed: %v", err)
		return s.reply(msgInternalError)
	}
	if !exists {
		s.pendingUser = ""
		return s.reply(fmt.Sprintf("-ERR invalid username: %s. Please try again", arg))
	}

	s.pendingUser = arg
	return s.reply(fmt.Sprintf("+OK mailbox for %s found. Enter PASS command or QUIT.", arg))
}

func (s *POP3Session) handlePass(arg string) error {
	if s.pendingUser == "" {
		return s.reply("-ERR please enter USER first")
	}
	if arg == "" {
		return s.reply("-ERR no password provided")
	}

	username := s.pendingUser
	err := s.backend.Authenticate(s.ctx, username, arg)
	if errors.Is(err, consts.ErrUserNotFound) || errors.Is(err, consts.ErrInvalidPassword) {
		metrics.AuthenticationAttempts.WithLabelValues(protocolLabel, "failure").Inc()
		s.pendingUser = ""
		s.Log("authentication failed for %s", username)
		return s.reply(fmt.Sprintf("-ERR invalid password for user: %s. Please re-enter USER", username))
	}
	if err != nil {
		s.WarnLog("authentication error for %s: %v", username, err)
		return s.reply(msgInternalError)
	}

	mailbox, err := s.backend.OpenMailbox(s.ctx, username)
	if err != nil {
		s.WarnLog("failed to open mailbox of %s: %v", username, err)
		return s.reply(msgInternalError)
	}

	metrics.AuthenticationAttempts.WithLabelValues(protocolLabel, "success").Inc()
	metrics.AuthenticatedConnectionsCurrent.WithLabelValues(protocolLabel).Inc()
	if s.srv != nil {
		s.srv.authenticatedConnections.Add(1)
	}

	s.mailbox = mailbox
	s.Username = username
	s.pendingUser = ""
	s.state = StateTransaction
	s.Log("authenticated, %d messages", mailbox.Count())

	return s.reply(fmt.Sprintf("+OK %s's maildrop has %d messages (%d octets)",
		username, mailbox.Count(), mailbox.TotalSize()))
}

func (s *POP3Session) handleQuit(arg string) error {
	if arg != "" {
		return s.reply("-ERR QUIT takes no argument")
	}
	s.quit = true

	if s.mailbox != nil {
		if err := s.releaseMailbox(s.ctx); err != nil {
			s.WarnLog("failed to release mailbox: %v", err)
			return s.reply(msgReleaseFailed)
		}
	}
	s.Log("quit")
	return s.reply(msgGoodbye)
}

func (s *POP3Session) handleStat(arg string) error {
	if arg != "" {
		return s.reply("-ERR STAT takes no argument")
	}
	return s.reply(fmt.Sprintf("+OK %d %d", s.mailbox.Count(), s.mailbox.TotalSize()))
}

func (s *POP3Session) handleNoop(arg string) error {
	if arg != "" {
		return s.reply("-ERR NOOP takes no argument")
	}
	return s.reply("+OK noop")
}

func (s *POP3Session) handleList(arg string) error {
	if arg != "" {
		n, err := parseMessageNumber(arg)
		if err != nil {
			return s.reply(fmt.Sprintf("-ERR invalid message number: %s", arg))
		}
		msg, err := s.mailbox.Message(n)
		if err != nil {
			return s.messageLookupFailed(err, fmt.Sprintf("-ERR no such message, only %d messages in maildrop", s.mailbox.Count()))
		}
		return s.reply(fmt.Sprintf("+OK %d %d", n, msg.Size()))
	}

	s.printf("+OK %d messages (%d octets)", s.mailbox.Count(), s.mailbox.TotalSize())
	for n := 1; n <= s.mailbox.Len(); n++ {
		msg, err := s.mailbox.Message(n)
		if err != nil {
			// Deleted slots are skipped; numbering of the rest is unchanged.
			continue
		}
		s.printf("%d %d", n, msg.Size())
	}
	return s.reply(".")
}

func (s *POP3Session) handleRetr(arg string) error {
	if arg == "" {
		return s.reply("-ERR please specify message number to retrieve")
	}
	n, err := parseMessageNumber(arg)
	if err != nil {
		return s.reply(fmt.Sprintf("-ERR invalid message number: %s", arg))
	}
	msg, err := s.mailbox.Message(n)
	if err != nil {
		return s.messageLookupFailed(err, msgNoSuchMessage)
	}

	body, err := msg.Open(s.ctx)
	if err != nil {
		s.WarnLog("failed to open message %d: %v", n, err)
		return s.reply(msgInternalError)
	}
	defer body.Close()

	s.printf(msgMessageFollows)
	read, err := writeMessageBody(s.conn, body)
	metrics.BytesRetrieved.WithLabelValues(protocolLabel).Add(float64(read))
	if err != nil {
		// The response is already under way and cannot be turned into an error.
		return fmt.Errorf("RETR %d aborted after %d octets: %w", n, read, err)
	}
	if err := s.conn.Flush(); err != nil {
		return err
	}
	s.DebugLog("retrieved message %d (%d octets)", msg.Number(), read)
	return nil
}

func (s *POP3Session) handleDele(arg string) error {
	if arg == "" {
		return s.reply("-ERR please specify message number to delete")
	}
	n, err := parseMessageNumber(arg)
	if err != nil {
		return s.reply(fmt.Sprintf("-ERR invalid message number: %s", arg))
	}
	if err := s.mailbox.Delete(n); err != nil {
		return s.messageLookupFailed(err, fmt.Sprintf("-ERR message %d already deleted", n))
	}
	return s.reply(fmt.Sprintf("+OK message %d deleted", n))
}

func (s *POP3Session) handleRset(arg string) error {
	if arg != "" {
		return s.reply("-ERR RSET takes no argument")
	}
	recovered := s.mailbox.Reset()
	return s.reply(fmt.Sprintf("+OK %d messages recovered. Maildrop has %d messages (%d octets)",
		recovered, s.mailbox.Count(), s.mailbox.TotalSize()))
}

// messageLookupFailed replies notFound for a missing message and an
// internal error for anything else.
func (s *POP3Session) messageLookupFailed(err error, notFound string) error {
	if errors.Is(err, consts.ErrNoSuchMessage) {
		return s.reply(notFound)
	}
	s.WarnLog("message lookup failed: %v", err)
	return s.reply(msgInternalError)
}

func (s *POP3Session) releaseMailbox(ctx context.Context) error {
	mailbox := s.mailbox
	s.mailbox = nil
	return mailbox.Release(ctx)
}

// close commits deletions when the session ends without QUIT and drops
// the authenticated connection count.
func (s *POP3Session) close() {
	if s.mailbox != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), releaseTimeout)
		if err := s.releaseMailbox(ctx); err != nil {
			s.WarnLog("failed to release mailbox after disconnect: %v", err)
		}
		cancel()
	}

	if s.Authenticated() {
		metrics.AuthenticatedConnectionsCurrent.WithLabelValues(protocolLabel).Dec()
		if s.srv != nil {
			s.srv.authenticatedConnections.Add(-1)
		}
	}
}

// printf buffers one response line.
func (s *POP3Session) printf(format string, args ...any) {
	fmt.Fprintf(s.conn, format+"\r\n", args...)
}

// reply writes one response line and flushes everything buffered.
func (s *POP3Session) reply(line string) error {
	s.errReplied = strings.HasPrefix(line, "-ERR")
	if _, err := io.WriteString(s.conn, line+"\r\n"); err != nil {
		return err
	}
	return s.conn.Flush()
}
