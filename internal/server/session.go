package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"kestrel/internal/backend"
	"kestrel/internal/imap"
)

// State is the per-session position in the IMAP state machine.
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "not-authenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	default:
		return "logout"
	}
}

// sessionReadTimeout bounds the wait for the next command line.
const sessionReadTimeout = 30 * time.Minute

// Session is the per-connection context: streams, state, the per-user
// mailbox handle, and the IDLE bookkeeping. Only the most recent command
// matters for IDLE/DONE pairing, so the tag of a pending IDLE is all that
// is remembered of the command history.
type Session struct {
	id     int64
	srv    *Server
	conn   net.Conn
	rd     *imap.WireReader
	wr     *imap.ResponseWriter
	state  State
	logger log.Logger

	mailbox  backend.MailboxStore // nil before authentication
	readOnly bool                 // mailbox selected with EXAMINE

	idleTag string // tag of the IDLE awaiting DONE, empty otherwise

	// Counts reported by the last SELECT/NOOP, for NOOP delta reporting.
	lastCount  int
	lastRecent int

	// notifyUser, when set after a handler, triggers idler fan-out once
	// the tagged response is on the wire.
	notifyUser string
}

func (s *Session) teardown() {
	s.srv.registry.Remove(s.id)
	_ = s.conn.Close()
}

// serve runs read → parse → dispatch → respond until logout, EOF, or an
// unrecoverable connection error. Handler panics are recovered in dispatch
// and surfaced as a BAD; any other panic is logged here and ends only this
// session, so one session cannot take the process down.
func (s *Session) serve() {
	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "session panic", "panic", fmt.Sprint(r))
		}
	}()

	for s.state != StateLogout {
		_ = s.conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))

		buf, err := s.rd.ReadCommand(s.wr)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			switch {
			case errors.Is(err, imap.ErrCommandTooLong):
				_ = s.wr.Tagged(tagOf(buf), imap.Bad("command too long"))
				continue
			case errors.Is(err, imap.ErrLiteralTimeout):
				_ = s.wr.Tagged(tagOf(buf), imap.Bad("timed out waiting for literal"))
				continue
			default:
				level.Debug(s.logger).Log("msg", "read failed", "err", err.Error())
				return
			}
		}
		if len(strings.TrimSpace(string(buf))) == 0 {
			continue
		}

		cmd, err := imap.ParseCommand(buf)
		if err != nil {
			_ = s.wr.Tagged(tagOf(buf), imap.Bad(parseErrorText(err)))
			continue
		}

		tag, resp := s.dispatch(cmd)
		if resp != nil {
			if err := s.wr.Tagged(tag, *resp); err != nil {
				return
			}
		}
		if s.notifyUser != "" {
			s.srv.registry.NotifyUser(s.notifyUser)
			s.notifyUser = ""
		}
	}
}

// tagOf extracts the client tag from a raw buffer so errors detected before
// parsing can still be answered on the right tag.
func tagOf(buf []byte) string {
	fields := strings.Fields(string(buf))
	if len(fields) == 0 || fields[0] == "*" || fields[0] == "+" {
		return "*"
	}
	return fields[0]
}

func parseErrorText(err error) string {
	switch {
	case errors.Is(err, imap.ErrBadCommand):
		return "Bad Command"
	case errors.Is(err, imap.ErrInvalidSequence):
		return "invalid sequence set"
	case errors.Is(err, imap.ErrInvalidDate):
		return "invalid date"
	default:
		return err.Error()
	}
}
