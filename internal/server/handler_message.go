package server

import (
	"errors"
	"strconv"
	"strings"

	"kestrel/internal/backend"
	"kestrel/internal/imap"
)

// ===== EXPUNGE =====

func (s *Session) handleExpunge() *imap.Response {
	if s.readOnly {
		return respond(imap.No("mailbox is read-only").WithCode("READ-ONLY"))
	}
	if err := s.mailbox.Expunge(s.wr.UntaggedLine); err != nil {
		return s.mailboxError(err)
	}
	s.notifyUser = s.mailbox.User()
	return respond(imap.OK("EXPUNGE completed"))
}

// ===== SEARCH =====

func (s *Session) handleSearch(cmd *imap.Search) *imap.Response {
	ids, err := s.mailbox.Search(cmd.Criteria, cmd.ByUID)
	if err != nil {
		return s.mailboxError(err)
	}
	parts := make([]string, 0, len(ids)+1)
	parts = append(parts, "SEARCH")
	for _, id := range ids {
		parts = append(parts, strconv.FormatUint(uint64(id), 10))
	}
	_ = s.wr.UntaggedLine(strings.Join(parts, " "))
	return respond(imap.OK("SEARCH completed"))
}

// ===== FETCH =====

func (s *Session) handleFetch(cmd *imap.Fetch) *imap.Response {
	if err := s.mailbox.Fetch(s.wr.UntaggedLine, cmd.Set, cmd.Attrs, cmd.ByUID); err != nil {
		return s.mailboxError(err)
	}
	return respond(imap.OK("FETCH completed"))
}

// ===== STORE =====

func (s *Session) handleStore(cmd *imap.Store) *imap.Response {
	if s.readOnly {
		return respond(imap.No("mailbox is read-only").WithCode("READ-ONLY"))
	}
	if err := s.mailbox.Store(s.wr.UntaggedLine, cmd.Set, cmd.Op, cmd.Silent, cmd.Flags, cmd.ByUID); err != nil {
		return s.mailboxError(err)
	}
	s.notifyUser = s.mailbox.User()
	return respond(imap.OK("STORE completed"))
}

// ===== COPY =====

func (s *Session) handleCopy(cmd *imap.Copy) *imap.Response {
	if err := s.mailbox.Copy(cmd.Set, cmd.Mailbox, cmd.ByUID); err != nil {
		if errors.Is(err, backend.ErrNotExists) {
			return respond(imap.No("Mailbox does not exist").WithCode("TRYCREATE"))
		}
		return s.mailboxError(err)
	}
	s.notifyUser = s.mailbox.User()
	return respond(imap.OK("COPY completed"))
}
