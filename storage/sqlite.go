// Package storage keeps client keys and login entries. Secrets are sealed
// with XChaCha20-Poly1305 under a DEK before they reach any backend.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const dekCheckValue = "kphttp-dek-check-v1"

// hostMatch selects logins stored for the queried host or for a parent
// domain of it. It compares text literally; stored hosts may contain
// LIKE metacharacters such as '_'. Bind the queried host three times.
const hostMatch = `(host = ? OR (length(?) > length(host) AND substr(?, -length(host) - 1) = '.' || host))`

// SQLiteStore keeps client keys and login entries in SQLite. Secret columns
// are sealed with the DEK; identifiers and hosts stay in plaintext so they
// can be queried.
type SQLiteStore struct {
	db     *sql.DB
	sealer *sealer
	path   string

	mu sync.RWMutex
}

// SealedCredential is a stored client key as it appears on disk.
type SealedCredential struct {
	ClientID  string `cbor:"1,keyasint" json:"client_id"`
	SealedKey []byte `cbor:"2,keyasint" json:"sealed_key"`
	CreatedAt int64  `cbor:"3,keyasint" json:"created_at"`
	UpdatedAt int64  `cbor:"4,keyasint" json:"updated_at"`
}

// Login is a stored login entry.
type Login struct {
	UUID      string
	Name      string
	URL       string
	Host      string
	Login     string
	Password  string
	CreatedAt int64
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database. A database written with another DEK
// fails with ErrWrongKey.
func OpenSQLite(path string, dek []byte) (*SQLiteStore, error) {
	sl, err := newSealer(dek)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection: an in-memory database is per connection, and writes
	// are serialized by SQLite anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		sealer: sl,
		path:   path,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.checkDEK(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		client_id TEXT PRIMARY KEY,
		sealed_key BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS logins (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		host TEXT NOT NULL,
		login TEXT NOT NULL,
		sealed_password BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logins_host ON logins(host);

	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// checkDEK opens the stored check value, writing one on first use.
func (s *SQLiteStore) checkDEK() error {
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = 'dek_check'`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		sealed, err := s.sealer.seal([]byte(dekCheckValue), "dek_check")
		if err != nil {
			return fmt.Errorf("failed to seal DEK check value: %w", err)
		}
		_, err = s.db.Exec(`INSERT INTO _metadata (key, value, updated_at) VALUES ('dek_check', ?, ?)`,
			sealed, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("failed to store DEK check value: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read DEK check value: %w", err)
	}

	plain, err := s.sealer.open(sealed, "dek_check")
	if err != nil || string(plain) != dekCheckValue {
		return ErrWrongKey
	}
	return nil
}

// ===============================
// Credential Operations
// ===============================

// Lookup returns the key stored for id.
func (s *SQLiteStore) Lookup(ctx context.Context, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed_key FROM credentials WHERE client_id = ?`, id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get credential: %w", err)
	}

	key, err := s.sealer.open(sealed, credentialAAD(id))
	if err != nil {
		return nil, false, fmt.Errorf("failed to open credential for %q: %w", id, err)
	}
	return key, true, nil
}

// Store registers or replaces the key for id.
func (s *SQLiteStore) Store(ctx context.Context, id string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.sealer.seal(key, credentialAAD(id))
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (client_id, sealed_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			sealed_key = excluded.sealed_key,
			updated_at = excluded.updated_at
	`, id, sealed, now, now)
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

// Delete removes the key for id. Deleting an unknown client is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE client_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// ListClients returns all registered client IDs in order.
func (s *SQLiteStore) ListClients(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT client_id FROM credentials ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExportSealed returns every credential still sealed, for backups.
func (s *SQLiteStore) ExportSealed(ctx context.Context) ([]SealedCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, sealed_key, created_at, updated_at
		FROM credentials ORDER BY client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to export credentials: %w", err)
	}
	defer rows.Close()

	var out []SealedCredential
	for rows.Next() {
		var c SealedCredential
		if err := rows.Scan(&c.ClientID, &c.SealedKey, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ImportSealed replaces or adds credentials from a backup. Every blob must
// open under the current DEK or nothing is imported.
func (s *SQLiteStore) ImportSealed(ctx context.Context, creds []SealedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range creds {
		key, err := s.sealer.open(c.SealedKey, credentialAAD(c.ClientID))
		if err != nil {
			return fmt.Errorf("failed to open credential for %q: %w", c.ClientID, err)
		}
		zeroBytes(key)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	for _, c := range creds {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (client_id, sealed_key, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(client_id) DO UPDATE SET
				sealed_key = excluded.sealed_key,
				updated_at = excluded.updated_at
		`, c.ClientID, c.SealedKey, c.CreatedAt, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to import credential %q: %w", c.ClientID, err)
		}
	}
	return tx.Commit()
}

// ===============================
// Login Operations
// ===============================

// AddLogin stores a login entry. A UUID is assigned when l.UUID is empty
// and the host is derived from l.URL.
func (s *SQLiteStore) AddLogin(ctx context.Context, l Login) (string, error) {
	host := HostOf(l.URL)
	if host == "" {
		return "", fmt.Errorf("login URL %q has no host", l.URL)
	}
	if l.UUID == "" {
		l.UUID = uuid.NewString()
	}
	if l.Name == "" {
		l.Name = host
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.sealer.seal([]byte(l.Password), loginAAD(l.UUID))
	if err != nil {
		return "", fmt.Errorf("failed to seal password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO logins (uuid, name, url, host, login, sealed_password, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			host = excluded.host,
			login = excluded.login,
			sealed_password = excluded.sealed_password
	`, l.UUID, l.Name, l.URL, host, l.Login, sealed, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to store login: %w", err)
	}
	return l.UUID, nil
}

// FindLogins returns the entries for host and for any parent domain of it.
func (s *SQLiteStore) FindLogins(ctx context.Context, host string) ([]Login, error) {
	host = strings.ToLower(host)
	if host == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, url, host, login, sealed_password, created_at
		FROM logins
		WHERE `+hostMatch+`
		ORDER BY name, uuid
	`, host, host, host)
	if err != nil {
		return nil, fmt.Errorf("failed to query logins: %w", err)
	}
	defer rows.Close()

	var out []Login
	for rows.Next() {
		var l Login
		var sealed []byte
		if err := rows.Scan(&l.UUID, &l.Name, &l.URL, &l.Host, &l.Login, &sealed, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login: %w", err)
		}
		pw, err := s.sealer.open(sealed, loginAAD(l.UUID))
		if err != nil {
			return nil, fmt.Errorf("failed to open password for %s: %w", l.UUID, err)
		}
		l.Password = string(pw)
		zeroBytes(pw)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountLogins returns the number of entries FindLogins would return.
func (s *SQLiteStore) CountLogins(ctx context.Context, host string) (int, error) {
	host = strings.ToLower(host)
	if host == "" {
		return 0, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM logins WHERE `+hostMatch+`
	`, host, host, host).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count logins: %w", err)
	}
	return n, nil
}

// Close closes the database and wipes the DEK.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealer.wipe()
	return s.db.Close()
}

// HostOf returns the lower-cased host of a URL. Scheme-less input such as
// "example.com/login" is accepted.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func credentialAAD(id string) string { return "credential:" + id }

func loginAAD(id string) string { return "login:" + id }
