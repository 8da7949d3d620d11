// Package store implements mailbox storage over the per-user SQLite
// databases, with message bodies deduplicated by content hash either in
// SQLite blob rows or in S3.
package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"kestrel/internal/backend"
	"kestrel/internal/blobstorage"
	"kestrel/internal/db"
)

// Stores opens per-user mailbox handles; it implements backend.Stores.
type Stores struct {
	manager *db.Manager
	blobs   *blobstorage.S3BlobStorage // nil: bodies stay in SQLite
}

func NewStores(manager *db.Manager, blobs *blobstorage.S3BlobStorage) *Stores {
	return &Stores{manager: manager, blobs: blobs}
}

func (s *Stores) Open(user string) (backend.MailboxStore, error) {
	udb, err := s.manager.UserDB(user)
	if err != nil {
		return nil, err
	}
	return &Mailbox{user: user, db: udb, blobs: s.blobs}, nil
}

// Mailbox is the per-user handle; it implements backend.MailboxStore.
// After Select it also carries the selected mailbox.
type Mailbox struct {
	user  string
	db    *sql.DB
	blobs *blobstorage.S3BlobStorage

	selectedID   int64
	selectedName string
	readOnly     bool
}

func (m *Mailbox) User() string { return m.user }

func (m *Mailbox) SelectedMailbox() (string, bool) {
	return m.selectedName, m.selectedID != 0
}

// normalizeName folds the case-insensitive INBOX to its canonical spelling.
func normalizeName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// lookup resolves a mailbox name to its row.
func (m *Mailbox) lookup(name string) (id int64, uidValidity sql.NullInt64, uidNext int64, selectable bool, err error) {
	row := m.db.QueryRow(`
		SELECT id, uid_validity, uid_next, selectable FROM mailboxes WHERE name = ?
	`, normalizeName(name))
	var sel int
	err = row.Scan(&id, &uidValidity, &uidNext, &sel)
	if err == sql.ErrNoRows {
		return 0, uidValidity, 0, false, backend.ErrNotExists
	}
	if err != nil {
		return 0, uidValidity, 0, false, err
	}
	return id, uidValidity, uidNext, sel != 0, nil
}

// header builds the SELECT/EXAMINE/STATUS metadata for a mailbox row.
func (m *Mailbox) header(id int64, uidValidity sql.NullInt64, uidNext int64) (*backend.MailboxHeader, error) {
	hdr := &backend.MailboxHeader{UIDNext: uidNext}
	if uidValidity.Valid {
		hdr.UIDValidity = strconv.FormatInt(uidValidity.Int64, 10)
	}
	if err := m.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE mailbox_id = ?`, id).Scan(&hdr.Count); err != nil {
		return nil, err
	}
	if err := m.db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE mailbox_id = ? AND flags NOT LIKE '%\Seen%'
	`, id).Scan(&hdr.Unseen); err != nil {
		return nil, err
	}
	// Messages not yet seen by any session are what this server reports
	// as recent.
	hdr.Recent = hdr.Unseen
	return hdr, nil
}

func (m *Mailbox) Select(name string, readOnly bool) (*backend.MailboxHeader, error) {
	id, uidValidity, uidNext, selectable, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if !selectable {
		return nil, backend.ErrNotSelectable
	}
	hdr, err := m.header(id, uidValidity, uidNext)
	if err != nil {
		return nil, err
	}
	m.selectedID = id
	m.selectedName = normalizeName(name)
	m.readOnly = readOnly
	return hdr, nil
}

func (m *Mailbox) Examine(name string) (*backend.MailboxHeader, error) {
	id, uidValidity, uidNext, selectable, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	if !selectable {
		return nil, backend.ErrNotSelectable
	}
	return m.header(id, uidValidity, uidNext)
}

// Close expunges \Deleted messages without notifications and drops the
// selection. A read-only selection expunges nothing.
func (m *Mailbox) Close() error {
	if m.selectedID != 0 && !m.readOnly {
		if err := m.expungeDeleted(m.selectedID, nil); err != nil {
			return err
		}
	}
	m.selectedID = 0
	m.selectedName = ""
	m.readOnly = false
	return nil
}

func (m *Mailbox) CreateMailbox(name string) error {
	name = normalizeName(strings.TrimSuffix(name, "/"))
	if name == "" {
		return fmt.Errorf("mailbox name cannot be empty")
	}
	// Create missing parents so "a/b/c" is reachable over LIST.
	parts := strings.Split(name, "/")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		res, err := m.db.Exec(`
			INSERT OR IGNORE INTO mailboxes (name, uid_validity) VALUES (?, strftime('%s','now'))
		`, prefix)
		if err != nil {
			return err
		}
		if i == len(parts)-1 {
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("mailbox %s already exists", name)
			}
		}
	}
	return nil
}

func (m *Mailbox) DeleteMailbox(name string) error {
	name = normalizeName(name)
	if name == "INBOX" {
		return fmt.Errorf("INBOX cannot be deleted")
	}
	id, _, _, _, err := m.lookup(name)
	if err != nil {
		return err
	}
	// Dropping the mailbox cascades to its messages; release their blobs
	// first.
	if err := m.releaseBlobs(id); err != nil {
		return err
	}
	if _, err := m.db.Exec(`DELETE FROM mailboxes WHERE id = ?`, id); err != nil {
		return err
	}
	if m.selectedID == id {
		m.selectedID = 0
		m.selectedName = ""
	}
	_, err = m.db.Exec(`DELETE FROM subscriptions WHERE mailbox_name = ?`, name)
	return err
}

func (m *Mailbox) RenameMailbox(src, dst string) error {
	src = normalizeName(src)
	dst = normalizeName(dst)
	if dst == "INBOX" {
		return fmt.Errorf("cannot rename to INBOX")
	}
	if _, _, _, _, err := m.lookup(src); err != nil {
		return err
	}
	if _, _, _, _, err := m.lookup(dst); err == nil {
		return fmt.Errorf("mailbox %s already exists", dst)
	}
	if src == "INBOX" {
		// Renaming INBOX moves its messages and leaves an empty INBOX.
		if err := m.CreateMailbox(dst); err != nil {
			return err
		}
		dstID, _, _, _, err := m.lookup(dst)
		if err != nil {
			return err
		}
		srcID, _, _, _, err := m.lookup(src)
		if err != nil {
			return err
		}
		if _, err := m.db.Exec(`UPDATE messages SET mailbox_id = ? WHERE mailbox_id = ?`, dstID, srcID); err != nil {
			return err
		}
		_, err = m.db.Exec(`
			UPDATE mailboxes SET uid_next = (SELECT uid_next FROM mailboxes WHERE id = ?) WHERE id = ?
		`, srcID, dstID)
		return err
	}
	// Rename the mailbox and every descendant.
	rows, err := m.db.Query(`SELECT id, name FROM mailboxes WHERE name = ? OR name LIKE ?`, src, src+"/%")
	if err != nil {
		return err
	}
	type renameRow struct {
		id   int64
		name string
	}
	var targets []renameRow
	for rows.Next() {
		var r renameRow
		if err := rows.Scan(&r.id, &r.name); err != nil {
			_ = rows.Close()
			return err
		}
		targets = append(targets, r)
	}
	_ = rows.Close()
	for _, r := range targets {
		newName := dst + strings.TrimPrefix(r.name, src)
		if _, err := m.db.Exec(`UPDATE mailboxes SET name = ? WHERE id = ?`, newName, r.id); err != nil {
			return err
		}
		if m.selectedID == r.id {
			m.selectedName = newName
		}
	}
	return nil
}

func (m *Mailbox) Subscribe(name string) error {
	if _, _, _, _, err := m.lookup(name); err != nil {
		return err
	}
	_, err := m.db.Exec(`
		INSERT OR IGNORE INTO subscriptions (mailbox_name) VALUES (?)
	`, normalizeName(name))
	return err
}

func (m *Mailbox) Unsubscribe(name string) error {
	res, err := m.db.Exec(`DELETE FROM subscriptions WHERE mailbox_name = ?`, normalizeName(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("not subscribed to %s", name)
	}
	return nil
}

func (m *Mailbox) ListMailboxes(ref, pattern string) ([]backend.MailboxInfo, error) {
	re, err := compilePattern(ref, pattern)
	if err != nil {
		return nil, err
	}
	rows, err := m.db.Query(`SELECT name, selectable FROM mailboxes ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.MailboxInfo
	for rows.Next() {
		var name string
		var sel int
		if err := rows.Scan(&name, &sel); err != nil {
			return nil, err
		}
		if !re.MatchString(name) {
			continue
		}
		flags := []string{`\HasNoChildren`}
		if m.hasChildren(name) {
			flags = []string{`\HasChildren`}
		}
		if sel == 0 {
			flags = append(flags, `\Noselect`)
		}
		out = append(out, backend.MailboxInfo{Name: name, Flags: flags})
	}
	return out, rows.Err()
}

func (m *Mailbox) ListSubscribed(ref, pattern string) ([]backend.MailboxInfo, error) {
	re, err := compilePattern(ref, pattern)
	if err != nil {
		return nil, err
	}
	rows, err := m.db.Query(`SELECT mailbox_name FROM subscriptions ORDER BY mailbox_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.MailboxInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if re.MatchString(name) {
			out = append(out, backend.MailboxInfo{Name: name, Flags: []string{}})
		}
	}
	return out, rows.Err()
}

func (m *Mailbox) hasChildren(name string) bool {
	var n int
	_ = m.db.QueryRow(`SELECT COUNT(*) FROM mailboxes WHERE name LIKE ?`, name+"/%").Scan(&n)
	return n > 0
}

// compilePattern turns an IMAP list pattern into a regexp: '*' crosses
// hierarchy boundaries, '%' does not.
func compilePattern(ref, pattern string) (*regexp.Regexp, error) {
	full := ref + pattern
	var b strings.Builder
	b.WriteString("^")
	for _, r := range full {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("bad list pattern: %w", err)
	}
	return re, nil
}

// requireSelected guards the Selected-state operations.
func (m *Mailbox) requireSelected() error {
	if m.selectedID == 0 {
		return backend.ErrNotExists
	}
	return nil
}
