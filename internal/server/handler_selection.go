package server

import (
	"errors"
	"fmt"

	"kestrel/internal/backend"
	"kestrel/internal/imap"
)

var defaultFlags = []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}

// ===== SELECT / EXAMINE =====

func (s *Session) handleSelect(name string, readOnly bool) *imap.Response {
	hdr, err := s.mailbox.Select(name, readOnly)
	if err != nil {
		return s.mailboxError(err)
	}
	if hdr.UIDValidity == "" {
		// The backend cannot produce a UIDVALIDITY; clients must not
		// cache UIDs against this mailbox, so refuse the selection.
		return respond(imap.No("cannot determine UIDVALIDITY for " + name))
	}

	permanent := joinFlags(append(append([]string{}, defaultFlags...), `\*`))
	if readOnly {
		permanent = "()"
	}
	_ = s.wr.UntaggedLine("FLAGS " + joinFlags(defaultFlags))
	_ = s.wr.Untagged(imap.OK("flags permitted").WithCode("PERMANENTFLAGS", permanent))
	_ = s.wr.Exists(hdr.Count)
	_ = s.wr.Recent(hdr.Recent)
	_ = s.wr.Untagged(imap.OK("UIDs valid").WithCode("UIDVALIDITY", hdr.UIDValidity))
	_ = s.wr.Untagged(imap.OK("predicted next UID").WithCode("UIDNEXT", fmt.Sprintf("%d", hdr.UIDNext)))

	s.state = StateSelected
	s.readOnly = readOnly
	s.lastCount = hdr.Count
	s.lastRecent = hdr.Recent

	if readOnly {
		return respond(imap.OK("EXAMINE completed").WithCode("READ-ONLY"))
	}
	return respond(imap.OK("SELECT completed").WithCode("READ-WRITE"))
}

// ===== CLOSE =====

func (s *Session) handleClose() *imap.Response {
	if err := s.mailbox.Close(); err != nil {
		return respond(imap.No(err.Error()))
	}
	s.state = StateAuthenticated
	s.readOnly = false
	s.lastCount = 0
	s.lastRecent = 0
	return respond(imap.OK("CLOSE completed"))
}

// mailboxError maps backend failures onto the response taxonomy.
func (s *Session) mailboxError(err error) *imap.Response {
	switch {
	case errors.Is(err, backend.ErrNotExists):
		return respond(imap.No("Mailbox does not exist"))
	case errors.Is(err, backend.ErrNotSelectable):
		return respond(imap.No("Mailbox is not selectable"))
	default:
		return respond(imap.No(err.Error()))
	}
}
