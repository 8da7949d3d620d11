package server

import (
	"fmt"

	"github.com/go-kit/kit/log/level"

	"kestrel/internal/imap"
)

// dispatch routes a parsed command to its handler, enforcing IDLE/DONE
// pairing and the state machine. It returns the tag to respond on (the
// IDLE's tag for DONE) and the tagged response, or nil when the handler
// already wrote everything it needed (IDLE, STARTTLS).
func (s *Session) dispatch(cmd *imap.Command) (tag string, resp *imap.Response) {
	commandsTotal.WithLabelValues(cmd.Body.Name()).Inc()
	tag = cmd.Tag

	defer func() {
		if r := recover(); r != nil {
			level.Error(s.logger).Log("msg", "handler panic", "command", cmd.Body.Name(), "panic", fmt.Sprint(r))
			out := imap.Bad(fmt.Sprint(r))
			resp = &out
		}
	}()

	// After IDLE the only acceptable input is DONE; anything else is
	// answered BAD on the IDLE's tag and ends the idle sub-mode.
	if s.idleTag != "" {
		idleTag := s.idleTag
		s.idleTag = ""
		s.srv.registry.Remove(s.id)
		if _, ok := cmd.Body.(*imap.Done); ok {
			return idleTag, respond(imap.OK("IDLE terminated"))
		}
		return idleTag, respond(imap.Bad("Expected DONE"))
	}

	if !s.accepts(cmd.Body) {
		return tag, respond(imap.Bad("Bad Command"))
	}

	switch body := cmd.Body.(type) {
	case *imap.ID:
		return tag, s.handleID(body)
	case *imap.Capability:
		return tag, s.handleCapability()
	case *imap.Noop:
		return tag, s.handleNoop()
	case *imap.Logout:
		return tag, s.handleLogout()
	case *imap.Login:
		return tag, s.handleLogin(body)
	case *imap.Authenticate:
		return tag, s.handleAuthenticate(body)
	case *imap.StartTLS:
		return tag, s.handleStartTLS(tag)
	case *imap.LAppend:
		return tag, s.handleLAppend(body)
	case *imap.Select:
		return tag, s.handleSelect(body.Mailbox, false)
	case *imap.Examine:
		return tag, s.handleSelect(body.Mailbox, true)
	case *imap.Create:
		return tag, s.handleCreate(body)
	case *imap.Delete:
		return tag, s.handleDelete(body)
	case *imap.Rename:
		return tag, s.handleRename(body)
	case *imap.Subscribe:
		return tag, s.handleSubscribe(body)
	case *imap.Unsubscribe:
		return tag, s.handleUnsubscribe(body)
	case *imap.List:
		return tag, s.handleList(body)
	case *imap.Lsub:
		return tag, s.handleLsub(body)
	case *imap.Status:
		return tag, s.handleStatus(body)
	case *imap.Append:
		return tag, s.handleAppend(body)
	case *imap.Idle:
		return tag, s.handleIdle(tag)
	case *imap.Done:
		// DONE outside IDLE; the pairing check above already consumed
		// the in-IDLE case.
		return "*", respond(imap.Bad("DONE without IDLE"))
	case *imap.Check:
		return tag, respond(imap.OK("CHECK completed"))
	case *imap.Close:
		return tag, s.handleClose()
	case *imap.Expunge:
		return tag, s.handleExpunge()
	case *imap.Search:
		return tag, s.handleSearch(body)
	case *imap.Fetch:
		return tag, s.handleFetch(body)
	case *imap.Store:
		return tag, s.handleStore(body)
	case *imap.Copy:
		return tag, s.handleCopy(body)
	default:
		return tag, respond(imap.Bad("Bad Command"))
	}
}

// accepts applies the state/group dispatch table.
func (s *Session) accepts(b imap.Body) bool {
	switch b.Group() {
	case imap.GroupAny:
		return true
	case imap.GroupNotAuthenticated:
		return s.state == StateNotAuthenticated
	case imap.GroupAuthenticated:
		return s.state == StateAuthenticated || s.state == StateSelected
	case imap.GroupSelected:
		return s.state == StateSelected
	default:
		return false
	}
}

func respond(r imap.Response) *imap.Response {
	return &r
}
