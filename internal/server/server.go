package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"kestrel/internal/backend"
	"kestrel/internal/conf"
	"kestrel/internal/imap"
)

// Server owns everything shared across sessions: configuration, the
// collaborator backends, and the idler registry.
type Server struct {
	cfg      *conf.Config
	accounts backend.AccountStore
	stores   backend.Stores
	upgrader backend.TLSUpgrader
	registry *Registry
	logger   log.Logger

	nextID atomic.Int64
}

func New(cfg *conf.Config, accounts backend.AccountStore, stores backend.Stores, upgrader backend.TLSUpgrader, logger log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		accounts: accounts,
		stores:   stores,
		upgrader: upgrader,
		registry: NewRegistry(),
		logger:   logger,
	}
}

// Registry exposes the idler table, used by tests to check that idle
// entries are removed.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		level.Debug(s.logger).Log("msg", "new connection", "remote", conn.RemoteAddr().String())
		go s.HandleConnection(conn)
	}
}

// HandleConnection greets the client and runs the session loop until
// logout or disconnect.
func (s *Server) HandleConnection(conn net.Conn) {
	connectionsTotal.Inc()
	connectionsActive.Inc()
	defer connectionsActive.Dec()

	sess := s.newSession(conn)
	defer sess.teardown()

	caps := strings.Join(s.cfg.Capabilities.Unauthenticated, " ")
	if err := sess.wr.UntaggedLine(fmt.Sprintf("OK [CAPABILITY %s] kestrel IMAP4rev1 server ready", caps)); err != nil {
		return
	}
	sess.serve()
}

func (s *Server) newSession(conn net.Conn) *Session {
	id := s.nextID.Add(1)
	return &Session{
		id:     id,
		srv:    s,
		conn:   conn,
		rd:     imap.NewWireReader(conn),
		wr:     imap.NewResponseWriter(conn),
		state:  StateNotAuthenticated,
		logger: log.With(s.logger, "conn", id),
	}
}

// tlsUpgrader implements backend.TLSUpgrader with a server certificate.
type tlsUpgrader struct {
	config *tls.Config
}

// NewTLSUpgrader loads the server key pair for STARTTLS and the dedicated
// TLS listener.
func NewTLSUpgrader(certPath, keyPath string) (backend.TLSUpgrader, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tlsUpgrader{
		config: &tls.Config{Certificates: []tls.Certificate{cert}},
	}, nil
}

func (u *tlsUpgrader) Upgrade(conn net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(conn, u.config)
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}
