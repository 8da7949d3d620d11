// Package db owns the SQLite databases: one shared accounts database and
// one mailbox database per user.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Manager caches database connections for the shared accounts database and
// the per-user mailbox databases.
type Manager struct {
	basePath string
	sharedDB *sql.DB

	mu        sync.RWMutex
	userCache map[string]*sql.DB
}

func NewManager(basePath string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "users"), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	m := &Manager{
		basePath:  basePath,
		userCache: make(map[string]*sql.DB),
	}
	if err := m.initSharedDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize shared database: %w", err)
	}
	return m, nil
}

// SharedDB returns the accounts database.
func (m *Manager) SharedDB() *sql.DB {
	return m.sharedDB
}

// UserDB returns the mailbox database for user, creating and initializing
// it on first use.
func (m *Manager) UserDB(user string) (*sql.DB, error) {
	m.mu.RLock()
	if db, ok := m.userCache[user]; ok {
		m.mu.RUnlock()
		return db, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.userCache[user]; ok {
		return db, nil
	}

	dbPath := m.userDBPath(user)
	_, statErr := os.Stat(dbPath)
	fresh := os.IsNotExist(statErr)

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := initUserDB(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize user database: %w", err)
	}
	if fresh {
		if err := createDefaultMailboxes(db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to create default mailboxes: %w", err)
		}
	}

	m.userCache[user] = db
	return db, nil
}

func (m *Manager) userDBPath(user string) string {
	// Usernames reach us post-authentication, but keep the filename tame.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_' || r == '@':
			return r
		default:
			return '_'
		}
	}, user)
	return filepath.Join(m.basePath, "users", safe+".db")
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for user, db := range m.userCache {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing database for %s: %w", user, err)
		}
		delete(m.userCache, user)
	}
	if m.sharedDB != nil {
		if err := m.sharedDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) initSharedDB() error {
	db, err := sql.Open("sqlite3", filepath.Join(m.basePath, "shared.db")+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		_ = db.Close()
		return err
	}
	m.sharedDB = db
	return nil
}
