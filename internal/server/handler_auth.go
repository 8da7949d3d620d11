package server

import (
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"kestrel/internal/imap"
)

// ===== CAPABILITY =====

func (s *Session) handleCapability() *imap.Response {
	caps := s.srv.cfg.Capabilities.Unauthenticated
	if s.mailbox != nil {
		caps = s.srv.cfg.Capabilities.Authenticated
	}
	_ = s.wr.UntaggedLine("CAPABILITY " + strings.Join(caps, " "))
	return respond(imap.OK("CAPABILITY completed"))
}

// ===== LOGIN =====

func (s *Session) handleLogin(cmd *imap.Login) *imap.Response {
	user, err := s.srv.accounts.Login(cmd.Username, cmd.Password)
	if err != nil {
		authFailuresTotal.Inc()
		level.Info(s.logger).Log("msg", "login failed", "user", cmd.Username)
		return respond(imap.No(err.Error()).WithCode("AUTHENTICATIONFAILED"))
	}
	return s.finishAuth(user, "LOGIN completed")
}

// ===== AUTHENTICATE =====

func (s *Session) handleAuthenticate(cmd *imap.Authenticate) *imap.Response {
	initial := cmd.Initial
	if initial == "" {
		// No initial response: prompt and read one continuation line.
		if err := s.wr.Continuation(""); err != nil {
			return respond(imap.Bad("connection error"))
		}
		line, err := s.rd.ReadLine()
		if err != nil {
			return respond(imap.Bad("connection error"))
		}
		line = strings.TrimSpace(line)
		if line == "*" {
			return respond(imap.Bad("authentication exchange cancelled"))
		}
		initial = line
	}

	user, err := s.srv.accounts.Authenticate(cmd.Mechanism, []byte(initial))
	if err != nil {
		authFailuresTotal.Inc()
		level.Info(s.logger).Log("msg", "authenticate failed", "mechanism", cmd.Mechanism)
		return respond(imap.No(err.Error()).WithCode("AUTHENTICATIONFAILED"))
	}
	return s.finishAuth(user, "AUTHENTICATE completed")
}

// finishAuth installs a fresh mailbox handle for user and moves the session
// to Authenticated.
func (s *Session) finishAuth(user, text string) *imap.Response {
	mbx, err := s.srv.stores.Open(user)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to open mailbox store", "user", user, "err", err.Error())
		return respond(imap.No("server error").WithCode("SERVERBUG"))
	}
	s.mailbox = mbx
	s.state = StateAuthenticated
	s.logger = log.With(s.logger, "user", user)
	level.Info(s.logger).Log("msg", "authenticated")
	caps := strings.Join(s.srv.cfg.Capabilities.Authenticated, " ")
	return respond(imap.OK(text).WithCode("CAPABILITY", caps))
}

// ===== STARTTLS =====

// handleStartTLS writes its own tagged OK before the handshake, so the
// dispatcher gets nil back and writes nothing.
func (s *Session) handleStartTLS(tag string) *imap.Response {
	if !s.srv.cfg.StartTLS || s.srv.upgrader == nil {
		return respond(imap.Bad("STARTTLS is not enabled"))
	}
	if err := s.wr.Tagged(tag, imap.OK("Begin TLS negotiation now")); err != nil {
		s.state = StateLogout
		return nil
	}
	conn, err := s.srv.upgrader.Upgrade(s.conn)
	if err != nil {
		level.Info(s.logger).Log("msg", "TLS handshake failed", "err", err.Error())
		s.state = StateLogout
		return nil
	}
	// Swap both streams before the next read so no plaintext byte is
	// interpreted after the handshake.
	s.conn = conn
	s.rd.Reset(conn)
	s.wr.Reset(conn)
	return nil
}

// ===== LOGOUT =====

func (s *Session) handleLogout() *imap.Response {
	_ = s.wr.Untagged(imap.Bye("kestrel IMAP4rev1 server logging out"))
	s.state = StateLogout
	return respond(imap.OK("LOGOUT completed"))
}
