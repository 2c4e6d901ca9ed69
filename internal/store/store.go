// Package store persists all durable client state in SQLite: the local
// account, pairwise sessions, sender keys, known peer identities, group
// master keys, and the buffer of processed incoming events.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/gwillem/chatwire/internal/wirecrypto"
)

// Store wraps a SQLite database and implements all wirecrypto store
// interfaces plus account and peer bookkeeping. A Store obtained from
// WithTx runs every statement inside the enclosing transaction.
type Store struct {
	db   dbtx
	root *sql.DB  // nil inside a transaction
	acct *Account // cached local account
}

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Compile-time interface checks.
var (
	_ wirecrypto.SessionStore   = (*Store)(nil)
	_ wirecrypto.IdentityStore  = (*Store)(nil)
	_ wirecrypto.PreKeyStore    = (*Store)(nil)
	_ wirecrypto.SenderKeyStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (address, device_id)
);
CREATE TABLE IF NOT EXISTS identity (
	aci TEXT PRIMARY KEY,
	box_pub BLOB NOT NULL,
	sign_pub BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS sender_key (
	sender_aci TEXT NOT NULL,
	sender_device INTEGER NOT NULL,
	distribution_id BLOB NOT NULL,
	record BLOB NOT NULL,
	PRIMARY KEY (sender_aci, sender_device, distribution_id)
);
CREATE TABLE IF NOT EXISTS sender_key_shared (
	distribution_id BLOB NOT NULL,
	address TEXT NOT NULL,
	PRIMARY KEY (distribution_id, address)
);
CREATE TABLE IF NOT EXISTS event_buffer (
	fingerprint TEXT PRIMARY KEY,
	plaintext BLOB,
	tombstone INTEGER NOT NULL DEFAULT 0,
	inserted_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS groups (
	group_id TEXT PRIMARY KEY,
	master_key BLOB NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS peer (
	aci TEXT PRIMARY KEY,
	profile_key BLOB,
	devices TEXT NOT NULL DEFAULT ''
);
`

// DefaultDataDir returns the default data directory for chatwire databases.
// Uses $XDG_DATA_HOME/chatwire, falling back to ~/.local/share/chatwire.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "chatwire")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/chatwire/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db, root: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.root == nil {
		return fmt.Errorf("store: close inside transaction")
	}
	return s.root.Close()
}

// WithTx runs fn with a Store bound to a single SQL transaction. The
// transaction commits when fn returns nil and rolls back otherwise, so a
// crash between the statements inside fn cannot persist some of them
// without the rest.
func (s *Store) WithTx(fn func(tx *Store) error) error {
	if s.root == nil {
		return fmt.Errorf("store: nested transaction")
	}
	tx, err := s.root.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&Store{db: tx, acct: s.acct}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: rollback: %v (after %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
