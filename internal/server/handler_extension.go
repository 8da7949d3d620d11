package server

import (
	"strings"

	"kestrel/internal/imap"
)

// ===== ID =====

func (s *Session) handleID(cmd *imap.ID) *imap.Response {
	_ = cmd // client parameters are accepted and ignored
	_ = s.wr.UntaggedLine(`ID ("name" "kestrel")`)
	return respond(imap.OK("ID completed"))
}

// ===== NOOP =====

// handleNoop reports mailbox growth since the counts last shown to the
// client, so polling clients see new mail without IDLE.
func (s *Session) handleNoop() *imap.Response {
	if s.state != StateSelected {
		return respond(imap.OK("NOOP completed"))
	}
	name, ok := s.mailbox.SelectedMailbox()
	if !ok {
		return respond(imap.OK("NOOP completed"))
	}
	hdr, err := s.mailbox.Examine(name)
	if err != nil {
		return respond(imap.OK("NOOP completed"))
	}
	if hdr.Count != s.lastCount {
		_ = s.wr.Exists(hdr.Count)
	}
	if hdr.Recent != s.lastRecent {
		_ = s.wr.Recent(hdr.Recent)
	}
	s.lastCount = hdr.Count
	s.lastRecent = hdr.Recent
	return respond(imap.OK("NOOP completed"))
}

// ===== IDLE =====

// handleIdle registers the session for unsolicited updates and answers with
// a continuation only. The tagged OK is produced when DONE arrives, on this
// command's tag; the dispatcher owns that pairing.
func (s *Session) handleIdle(tag string) *imap.Response {
	user := ""
	if s.mailbox != nil {
		user = s.mailbox.User()
	}
	s.srv.registry.Register(s.id, user, s.mailbox, s.wr)
	s.idleTag = tag
	if err := s.wr.Continuation("idling"); err != nil {
		s.srv.registry.Remove(s.id)
		s.idleTag = ""
		s.state = StateLogout
	}
	return nil
}

// joinFlags renders a flag list for LIST/SELECT style responses.
func joinFlags(flags []string) string {
	return "(" + strings.Join(flags, " ") + ")"
}
