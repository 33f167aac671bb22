package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"riskwatch/pkg/crypto"
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB

	// keys seals broker API keys at rest. Nil means no master key is
	// configured and api_key columns hold plaintext.
	keys *crypto.Keyring
}

// New opens (and creates if needed) the SQLite database at path.
// ":memory:" is accepted for tests.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if !strings.Contains(path, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	keys, err := crypto.KeyringFromEnv()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load encryption keys: %w", err)
	}

	return &Database{DB: db, keys: keys}, nil
}

// sealAPIKey encrypts a credential for storage when a master key is set.
func (d *Database) sealAPIKey(plain string) (string, error) {
	if d.keys == nil || plain == "" {
		return plain, nil
	}
	return d.keys.Seal(plain)
}

// openAPIKey decrypts a stored credential. Sealed values require a
// loaded keyring; plaintext rows pass through for installs that never
// configured a master key.
func (d *Database) openAPIKey(stored string) (string, error) {
	if !crypto.IsSealed(stored) {
		return stored, nil
	}
	if d.keys == nil {
		return "", errors.New("api_key is encrypted but no master key is configured")
	}
	return d.keys.Open(stored)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
