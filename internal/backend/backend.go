// Package backend declares the contracts between the IMAP front end and its
// collaborators: account authentication, mailbox storage, and the TLS
// upgrade primitive. The front end never touches storage directly.
package backend

import (
	"bufio"
	"errors"
	"net"
	"time"

	"kestrel/internal/imap"
)

var (
	// ErrNotExists reports an operation against a mailbox that does not exist.
	ErrNotExists = errors.New("mailbox does not exist")
	// ErrNotSelectable reports a mailbox that exists but cannot be selected.
	ErrNotSelectable = errors.New("mailbox is not selectable")
	// ErrTruncated reports a client stream that ended inside an APPEND
	// literal. The session cannot recover from it.
	ErrTruncated = errors.New("truncated message")
)

// MailboxHeader is the metadata SELECT, EXAMINE, and STATUS report.
// UIDValidity is a string so the backend can signal "cannot produce one"
// with the empty value; the dispatcher turns that into a NO.
type MailboxHeader struct {
	Count       int
	Recent      int
	Unseen      int
	UIDNext     int64
	UIDValidity string
}

// MailboxInfo is one LIST/LSUB result row.
type MailboxInfo struct {
	Name  string
	Flags []string
}

// UntaggedWriter lets the backend emit per-message untagged data (FETCH
// results, EXPUNGE notifications) inline, before the tagged completion.
type UntaggedWriter func(data string) error

// AccountStore verifies credentials. Both methods return the canonical user
// name on success; on failure the error text is shown to the client in the
// tagged NO.
type AccountStore interface {
	Login(username, password string) (string, error)
	Authenticate(mechanism string, initial []byte) (string, error)
}

// Stores opens per-user mailbox handles.
type Stores interface {
	Open(user string) (MailboxStore, error)
}

// MailboxStore is a per-user handle onto mailbox storage. It carries the
// authenticated user and, after a successful Select, the selected mailbox.
type MailboxStore interface {
	User() string
	// SelectedMailbox returns the selected mailbox name, if any.
	SelectedMailbox() (string, bool)

	// Select makes name the selected mailbox. readOnly corresponds to
	// EXAMINE. Returns ErrNotExists or ErrNotSelectable as appropriate.
	Select(name string, readOnly bool) (*MailboxHeader, error)
	// Examine returns the header of name without changing the selection.
	Examine(name string) (*MailboxHeader, error)
	// Close expunges \Deleted messages silently and clears the selection.
	Close() error

	CreateMailbox(name string) error
	DeleteMailbox(name string) error
	RenameMailbox(src, dst string) error
	Subscribe(name string) error
	Unsubscribe(name string) error
	ListMailboxes(ref, pattern string) ([]MailboxInfo, error)
	ListSubscribed(ref, pattern string) ([]MailboxInfo, error)

	// Append stores a new message of literal.Size bytes. It writes the
	// continuation for a synchronizing literal on w, then consumes exactly
	// the announced payload from r without buffering it in the front end.
	// A short read returns ErrTruncated.
	Append(r *bufio.Reader, w *imap.ResponseWriter, mailbox string, flags []string, date time.Time, literal imap.Literal) error

	Fetch(uw UntaggedWriter, set imap.SeqSet, attrs []imap.FetchAttr, byUID bool) error
	Store(uw UntaggedWriter, set imap.SeqSet, op imap.FlagOp, silent bool, flags []string, byUID bool) error
	Expunge(uw UntaggedWriter) error
	Copy(set imap.SeqSet, dest string, byUID bool) error
	Search(criteria imap.SearchNode, byUID bool) ([]uint32, error)
}

// TLSUpgrader performs the STARTTLS handshake, returning the connection the
// session must use from then on.
type TLSUpgrader interface {
	Upgrade(conn net.Conn) (net.Conn, error)
}
