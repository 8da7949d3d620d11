package store

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"kestrel/internal/backend"
	"kestrel/internal/imap"
)

// message is one row of the selected mailbox, with its position in the
// current sequence numbering.
type message struct {
	seq   uint32
	id    int64
	uid   uint32
	flags []string
	date  time.Time
	size  int64
	hash  string
}

func (msg *message) hasFlag(flag string) bool {
	for _, f := range msg.flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// loadMessages reads the selected mailbox in UID order; sequence numbers
// are assigned from the ordering.
func (m *Mailbox) loadMessages() ([]*message, error) {
	rows, err := m.db.Query(`
		SELECT id, uid, flags, internal_date, size, blob_hash
		FROM messages WHERE mailbox_id = ? ORDER BY uid
	`, m.selectedID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*message
	seq := uint32(0)
	for rows.Next() {
		var msg message
		var flags string
		if err := rows.Scan(&msg.id, &msg.uid, &flags, &msg.date, &msg.size, &msg.hash); err != nil {
			return nil, err
		}
		seq++
		msg.seq = seq
		if flags != "" {
			msg.flags = strings.Fields(flags)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// match filters messages against a sequence set, by sequence number or UID.
func match(msgs []*message, set imap.SeqSet, byUID bool) []*message {
	var maxVal uint32
	if n := len(msgs); n > 0 {
		if byUID {
			maxVal = msgs[n-1].uid
		} else {
			maxVal = msgs[n-1].seq
		}
	}
	var out []*message
	for _, msg := range msgs {
		n := msg.seq
		if byUID {
			n = msg.uid
		}
		if set.Contains(n, maxVal) {
			out = append(out, msg)
		}
	}
	return out
}

// ===== APPEND =====

// Append prompts for a synchronizing literal, then consumes exactly the
// announced payload from the connection and files it.
func (m *Mailbox) Append(r *bufio.Reader, w *imap.ResponseWriter, mailbox string, flags []string, date time.Time, literal imap.Literal) error {
	id, _, _, selectable, err := m.lookup(mailbox)
	if err != nil {
		return err
	}
	if !selectable {
		return backend.ErrNotSelectable
	}

	if !literal.NonSync {
		if err := w.Continuation(""); err != nil {
			return err
		}
	}
	body := make([]byte, literal.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return backend.ErrTruncated
	}
	// The command ends with a CRLF after the payload; eat it if present.
	for _, c := range []byte{'\r', '\n'} {
		if b, err := r.Peek(1); err == nil && b[0] == c {
			_, _ = r.Discard(1)
		}
	}

	if date.IsZero() {
		date = time.Now()
	}
	return m.insertMessage(id, body, flags, date)
}

// insertMessage stores one message body and its row, assigning the next UID.
func (m *Mailbox) insertMessage(mailboxID int64, body []byte, flags []string, date time.Time) error {
	hash, err := m.putBlob(body)
	if err != nil {
		return err
	}

	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var uid int64
	if err := tx.QueryRow(`SELECT uid_next FROM mailboxes WHERE id = ?`, mailboxID).Scan(&uid); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = ?`, mailboxID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (mailbox_id, uid, flags, internal_date, size, blob_hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mailboxID, uid, strings.Join(flags, " "), date.UTC(), len(body), hash); err != nil {
		return err
	}
	return tx.Commit()
}

// ===== STORE =====

func (m *Mailbox) Store(uw backend.UntaggedWriter, set imap.SeqSet, op imap.FlagOp, silent bool, flags []string, byUID bool) error {
	if err := m.requireSelected(); err != nil {
		return err
	}
	msgs, err := m.loadMessages()
	if err != nil {
		return err
	}
	for _, msg := range match(msgs, set, byUID) {
		newFlags := applyFlagOp(msg.flags, op, flags)
		if _, err := m.db.Exec(`UPDATE messages SET flags = ? WHERE id = ?`, strings.Join(newFlags, " "), msg.id); err != nil {
			return err
		}
		msg.flags = newFlags
		if silent {
			continue
		}
		line := fmt.Sprintf("%d FETCH (FLAGS (%s))", msg.seq, strings.Join(newFlags, " "))
		if byUID {
			line = fmt.Sprintf("%d FETCH (UID %d FLAGS (%s))", msg.seq, msg.uid, strings.Join(newFlags, " "))
		}
		if err := uw(line); err != nil {
			return err
		}
	}
	return nil
}

func applyFlagOp(current []string, op imap.FlagOp, flags []string) []string {
	switch op {
	case imap.FlagsSet:
		return append([]string{}, flags...)
	case imap.FlagsAdd:
		out := append([]string{}, current...)
		for _, f := range flags {
			present := false
			for _, c := range out {
				if strings.EqualFold(c, f) {
					present = true
					break
				}
			}
			if !present {
				out = append(out, f)
			}
		}
		return out
	default: // FlagsRemove
		var out []string
		for _, c := range current {
			remove := false
			for _, f := range flags {
				if strings.EqualFold(c, f) {
					remove = true
					break
				}
			}
			if !remove {
				out = append(out, c)
			}
		}
		return out
	}
}

// ===== EXPUNGE =====

func (m *Mailbox) Expunge(uw backend.UntaggedWriter) error {
	if err := m.requireSelected(); err != nil {
		return err
	}
	return m.expungeDeleted(m.selectedID, uw)
}

// expungeDeleted removes \Deleted messages. With uw set, an untagged
// EXPUNGE is emitted per message, highest sequence number first so the
// remaining numbers stay valid.
func (m *Mailbox) expungeDeleted(mailboxID int64, uw backend.UntaggedWriter) error {
	rows, err := m.db.Query(`
		SELECT id, uid, blob_hash FROM messages
		WHERE mailbox_id = ? AND flags LIKE '%\Deleted%' ORDER BY uid
	`, mailboxID)
	if err != nil {
		return err
	}
	type victim struct {
		id   int64
		uid  uint32
		hash string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.uid, &v.hash); err != nil {
			_ = rows.Close()
			return err
		}
		victims = append(victims, v)
	}
	_ = rows.Close()
	if len(victims) == 0 {
		return nil
	}

	// Sequence numbers in the pre-expunge numbering.
	seqOf := make(map[int64]uint32)
	msgs, err := m.messagesIn(mailboxID)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		seqOf[msg.id] = msg.seq
	}

	for i := len(victims) - 1; i >= 0; i-- {
		v := victims[i]
		if _, err := m.db.Exec(`DELETE FROM messages WHERE id = ?`, v.id); err != nil {
			return err
		}
		if err := m.releaseBlob(v.hash); err != nil {
			return err
		}
		if uw != nil {
			if err := uw(fmt.Sprintf("%d EXPUNGE", seqOf[v.id])); err != nil {
				return err
			}
		}
	}
	return nil
}

// messagesIn is loadMessages for an arbitrary mailbox.
func (m *Mailbox) messagesIn(mailboxID int64) ([]*message, error) {
	saved := m.selectedID
	m.selectedID = mailboxID
	msgs, err := m.loadMessages()
	m.selectedID = saved
	return msgs, err
}

// ===== COPY =====

func (m *Mailbox) Copy(set imap.SeqSet, dest string, byUID bool) error {
	if err := m.requireSelected(); err != nil {
		return err
	}
	destID, _, _, selectable, err := m.lookup(dest)
	if err != nil {
		return err
	}
	if !selectable {
		return backend.ErrNotSelectable
	}
	msgs, err := m.loadMessages()
	if err != nil {
		return err
	}
	for _, msg := range match(msgs, set, byUID) {
		tx, err := m.db.Begin()
		if err != nil {
			return err
		}
		var uid int64
		if err := tx.QueryRow(`SELECT uid_next FROM mailboxes WHERE id = ?`, destID).Scan(&uid); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = ?`, destID); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (mailbox_id, uid, flags, internal_date, size, blob_hash)
			VALUES (?, ?, ?, ?, ?, ?)
		`, destID, uid, strings.Join(msg.flags, " "), msg.date, msg.size, msg.hash); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, msg.hash); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ===== blob plumbing =====

// putBlob stores a message body once per distinct content, in S3 when
// configured, and returns the content hash.
func (m *Mailbox) putBlob(body []byte) (string, error) {
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	var refs int64
	err := m.db.QueryRow(`SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refs)
	if err == nil {
		_, err = m.db.Exec(`UPDATE blobs SET ref_count = ref_count + 1 WHERE hash = ?`, hash)
		return hash, err
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	if m.blobs != nil {
		if err := m.blobs.Put(context.Background(), hash, body); err != nil {
			return "", err
		}
		_, err = m.db.Exec(`INSERT INTO blobs (hash, content, ref_count) VALUES (?, NULL, 1)`, hash)
		return hash, err
	}
	_, err = m.db.Exec(`INSERT INTO blobs (hash, content, ref_count) VALUES (?, ?, 1)`, hash, body)
	return hash, err
}

func (m *Mailbox) getBlob(hash string) ([]byte, error) {
	if m.blobs != nil {
		var content []byte
		err := m.db.QueryRow(`SELECT content FROM blobs WHERE hash = ?`, hash).Scan(&content)
		if err == nil && content != nil {
			return content, nil
		}
		return m.blobs.Get(context.Background(), hash)
	}
	var content []byte
	if err := m.db.QueryRow(`SELECT content FROM blobs WHERE hash = ?`, hash).Scan(&content); err != nil {
		return nil, err
	}
	return content, nil
}

func (m *Mailbox) releaseBlob(hash string) error {
	if _, err := m.db.Exec(`UPDATE blobs SET ref_count = ref_count - 1 WHERE hash = ?`, hash); err != nil {
		return err
	}
	var refs int64
	if err := m.db.QueryRow(`SELECT ref_count FROM blobs WHERE hash = ?`, hash).Scan(&refs); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	if refs > 0 {
		return nil
	}
	if _, err := m.db.Exec(`DELETE FROM blobs WHERE hash = ?`, hash); err != nil {
		return err
	}
	if m.blobs != nil {
		// Best-effort: an orphaned S3 object is preferable to a failed
		// expunge.
		_ = m.blobs.Delete(context.Background(), hash)
	}
	return nil
}

// releaseBlobs releases every blob referenced from a mailbox, ahead of
// mailbox deletion.
func (m *Mailbox) releaseBlobs(mailboxID int64) error {
	rows, err := m.db.Query(`SELECT blob_hash FROM messages WHERE mailbox_id = ?`, mailboxID)
	if err != nil {
		return err
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			_ = rows.Close()
			return err
		}
		hashes = append(hashes, h)
	}
	_ = rows.Close()
	for _, h := range hashes {
		if err := m.releaseBlob(h); err != nil {
			return err
		}
	}
	return nil
}
