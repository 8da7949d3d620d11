// Package accounts implements credential verification against the shared
// accounts database. LOGIN and AUTHENTICATE PLAIN check bcrypt password
// hashes; AUTHENTICATE XOAUTH2 accepts HS256-signed bearer tokens.
package accounts

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Store implements backend.AccountStore.
type Store struct {
	db        *sql.DB
	jwtSecret []byte
}

func NewStore(db *sql.DB, jwtSecret string) *Store {
	return &Store{db: db, jwtSecret: []byte(jwtSecret)}
}

// Login verifies a username/password pair and returns the canonical
// username.
func (s *Store) Login(username, password string) (string, error) {
	var canonical, hash string
	err := s.db.QueryRow(`
		SELECT username, password_hash FROM users WHERE username = ?
	`, strings.ToLower(username)).Scan(&canonical, &hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("invalid credentials")
	}
	if err != nil {
		return "", fmt.Errorf("account lookup failed: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", fmt.Errorf("invalid credentials")
	}
	return canonical, nil
}

// Authenticate runs one SASL exchange from its initial response. Only
// single-round mechanisms are supported, which covers PLAIN and XOAUTH2.
func (s *Store) Authenticate(mechanism string, initial []byte) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(initial)))
	if err != nil {
		// Some clients skip the base64 step; take the blob as-is.
		blob = initial
	}

	switch strings.ToUpper(mechanism) {
	case sasl.Plain:
		return s.authenticatePlain(blob)
	case "XOAUTH2":
		return s.authenticateXOAuth2(blob)
	default:
		return "", fmt.Errorf("unsupported authentication mechanism %s", mechanism)
	}
}

func (s *Store) authenticatePlain(blob []byte) (string, error) {
	var user string
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return fmt.Errorf("authorization identity not supported")
		}
		canonical, err := s.Login(username, password)
		if err != nil {
			return err
		}
		user = canonical
		return nil
	})
	if _, _, err := srv.Next(blob); err != nil {
		return "", err
	}
	return user, nil
}

// authenticateXOAuth2 validates a "user=..\x01auth=Bearer ..\x01\x01" blob
// whose bearer token is an HS256 JWT with the user as subject.
func (s *Store) authenticateXOAuth2(blob []byte) (string, error) {
	if len(s.jwtSecret) == 0 {
		return "", fmt.Errorf("XOAUTH2 is not configured")
	}
	var user, token string
	for _, part := range strings.Split(string(blob), "\x01") {
		switch {
		case strings.HasPrefix(part, "user="):
			user = strings.TrimPrefix(part, "user=")
		case strings.HasPrefix(part, "auth=Bearer "):
			token = strings.TrimPrefix(part, "auth=Bearer ")
		}
	}
	if user == "" || token == "" {
		return "", fmt.Errorf("malformed XOAUTH2 response")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("invalid bearer token")
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || !strings.EqualFold(subject, user) {
		return "", fmt.Errorf("token subject mismatch")
	}

	user = strings.ToLower(user)
	var canonical string
	err = s.db.QueryRow(`SELECT username FROM users WHERE username = ?`, user).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("unknown user")
	}
	if err != nil {
		return "", fmt.Errorf("account lookup failed: %w", err)
	}
	return canonical, nil
}

// Create provisions a user with a bcrypt password hash. Used by the
// userctl CLI and tests.
func (s *Store) Create(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO users (username, password_hash) VALUES (?, ?)
	`, strings.ToLower(username), string(hash))
	return err
}

// SetPassword replaces a user's password hash.
func (s *Store) SetPassword(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE users SET password_hash = ? WHERE username = ?
	`, string(hash), strings.ToLower(username))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such user %s", username)
	}
	return nil
}

// Delete removes a user account.
func (s *Store) Delete(username string) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE username = ?`, strings.ToLower(username))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no such user %s", username)
	}
	return nil
}

// List returns all usernames.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
