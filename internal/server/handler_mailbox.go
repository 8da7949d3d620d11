package server

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"

	"kestrel/internal/backend"
	"kestrel/internal/imap"
)

// ===== CREATE / DELETE / RENAME =====

func (s *Session) handleCreate(cmd *imap.Create) *imap.Response {
	if err := s.mailbox.CreateMailbox(cmd.Mailbox); err != nil {
		return s.mailboxError(err)
	}
	return respond(imap.OK("CREATE completed"))
}

func (s *Session) handleDelete(cmd *imap.Delete) *imap.Response {
	if err := s.mailbox.DeleteMailbox(cmd.Mailbox); err != nil {
		return s.mailboxError(err)
	}
	return respond(imap.OK("DELETE completed"))
}

func (s *Session) handleRename(cmd *imap.Rename) *imap.Response {
	if err := s.mailbox.RenameMailbox(cmd.Src, cmd.Dst); err != nil {
		return s.mailboxError(err)
	}
	return respond(imap.OK("RENAME completed"))
}

// ===== SUBSCRIBE / UNSUBSCRIBE =====

func (s *Session) handleSubscribe(cmd *imap.Subscribe) *imap.Response {
	if err := s.mailbox.Subscribe(cmd.Mailbox); err != nil {
		return s.mailboxError(err)
	}
	return respond(imap.OK("SUBSCRIBE completed"))
}

func (s *Session) handleUnsubscribe(cmd *imap.Unsubscribe) *imap.Response {
	if err := s.mailbox.Unsubscribe(cmd.Mailbox); err != nil {
		return s.mailboxError(err)
	}
	return respond(imap.OK("UNSUBSCRIBE completed"))
}

// ===== LIST / LSUB =====

func (s *Session) handleList(cmd *imap.List) *imap.Response {
	rows, err := s.mailbox.ListMailboxes(cmd.Ref, cmd.Pattern)
	if err != nil {
		return s.mailboxError(err)
	}
	for _, row := range rows {
		_ = s.wr.UntaggedLine(fmt.Sprintf(`LIST %s "/" %s`, joinFlags(row.Flags), imap.Quote(row.Name)))
	}
	return respond(imap.OK("LIST completed"))
}

func (s *Session) handleLsub(cmd *imap.Lsub) *imap.Response {
	rows, err := s.mailbox.ListSubscribed(cmd.Ref, cmd.Pattern)
	if err != nil {
		return s.mailboxError(err)
	}
	for _, row := range rows {
		_ = s.wr.UntaggedLine(fmt.Sprintf(`LSUB %s "/" %s`, joinFlags(row.Flags), imap.Quote(row.Name)))
	}
	return respond(imap.OK("LSUB completed"))
}

// ===== STATUS =====

func (s *Session) handleStatus(cmd *imap.Status) *imap.Response {
	hdr, err := s.mailbox.Examine(cmd.Mailbox)
	if err != nil {
		return s.mailboxError(err)
	}
	if hdr.UIDValidity == "" {
		return respond(imap.No("cannot determine UIDVALIDITY for " + cmd.Mailbox))
	}
	// Items are reported in the order the client asked for them.
	parts := make([]string, 0, len(cmd.Items)*2)
	for _, item := range cmd.Items {
		switch item {
		case imap.StatusMessages:
			parts = append(parts, "MESSAGES", fmt.Sprintf("%d", hdr.Count))
		case imap.StatusRecent:
			parts = append(parts, "RECENT", fmt.Sprintf("%d", hdr.Recent))
		case imap.StatusUIDNext:
			parts = append(parts, "UIDNEXT", fmt.Sprintf("%d", hdr.UIDNext))
		case imap.StatusUIDValidity:
			parts = append(parts, "UIDVALIDITY", hdr.UIDValidity)
		case imap.StatusUnseen:
			parts = append(parts, "UNSEEN", fmt.Sprintf("%d", hdr.Unseen))
		}
	}
	_ = s.wr.UntaggedLine(fmt.Sprintf("STATUS %s (%s)", imap.Quote(cmd.Mailbox), strings.Join(parts, " ")))
	return respond(imap.OK("STATUS completed"))
}

// ===== APPEND =====

func (s *Session) handleAppend(cmd *imap.Append) *imap.Response {
	if cmd.Literal.Size > s.srv.cfg.MaxMessageSize {
		return respond(imap.No("message exceeds maximum size"))
	}
	err := s.mailbox.Append(s.rd.Reader(), s.wr, cmd.Mailbox, cmd.Flags, cmd.Date, cmd.Literal)
	if err != nil {
		return s.appendError(err)
	}
	s.notifyUser = s.mailbox.User()
	return respond(imap.OK("APPEND completed"))
}

// ===== LAPPEND =====

// handleLAppend injects a message for an arbitrary user before
// authentication; a mailbox handle for that user exists only for the
// duration of this command.
func (s *Session) handleLAppend(cmd *imap.LAppend) *imap.Response {
	if cmd.Literal.Size > s.srv.cfg.MaxMessageSize {
		return respond(imap.No("message exceeds maximum size"))
	}
	mbx, err := s.srv.stores.Open(cmd.Username)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to open mailbox store", "user", cmd.Username, "err", err.Error())
		return respond(imap.No("server error").WithCode("SERVERBUG"))
	}
	err = mbx.Append(s.rd.Reader(), s.wr, cmd.Mailbox, nil, time.Time{}, cmd.Literal)
	if err != nil {
		return s.appendError(err)
	}
	s.notifyUser = cmd.Username
	return respond(imap.OK("LAPPEND completed"))
}

// appendError maps Append failures; a truncated literal means the stream
// position is lost, so the session must end.
func (s *Session) appendError(err error) *imap.Response {
	switch {
	case errors.Is(err, backend.ErrNotExists), errors.Is(err, backend.ErrNotSelectable):
		return respond(imap.No("Mailbox does not exist").WithCode("TRYCREATE"))
	case errors.Is(err, backend.ErrTruncated):
		s.state = StateLogout
		return respond(imap.No("Truncated Message"))
	default:
		return respond(imap.No(err.Error()))
	}
}
