package db

import (
	"database/sql"
	"time"
)

// initUserDB creates the mailbox schema. Statements are idempotent so an
// existing database passes through unchanged.
func initUserDB(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			uid_validity INTEGER NOT NULL,
			uid_next INTEGER NOT NULL DEFAULT 1,
			selectable INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
			uid INTEGER NOT NULL,
			flags TEXT NOT NULL DEFAULT '',
			internal_date DATETIME NOT NULL,
			size INTEGER NOT NULL,
			blob_hash TEXT NOT NULL,
			UNIQUE(mailbox_id, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			hash TEXT PRIMARY KEY,
			content BLOB,
			ref_count INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			mailbox_name TEXT PRIMARY KEY
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages(mailbox_id, uid)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// createDefaultMailboxes seeds the standard hierarchy for a new user.
func createDefaultMailboxes(db *sql.DB) error {
	for _, name := range []string{"INBOX", "Sent", "Drafts", "Trash"} {
		if _, err := db.Exec(`
			INSERT OR IGNORE INTO mailboxes (name, uid_validity) VALUES (?, ?)
		`, name, time.Now().Unix()); err != nil {
			return err
		}
	}
	return nil
}
