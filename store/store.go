// Package store persists encoded snapshots and out-of-band blobs in SQLite.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("brine.store")

// ErrNotFound indicates the requested record doesn't exist
var ErrNotFound = errors.New("store: record not found")

// ErrDigestMismatch indicates a blob's content no longer matches its digest
var ErrDigestMismatch = errors.New("store: blob digest mismatch")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	module  TEXT NOT NULL,
	created INTEGER NOT NULL,
	size    INTEGER NOT NULL,
	data    BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS blobs (
	id      TEXT PRIMARY KEY,
	digest  TEXT NOT NULL,
	size    INTEGER NOT NULL,
	data    BLOB NOT NULL
);
`

// Store is a SQLite database of snapshots and blobs.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Record describes one stored snapshot. Data is only filled by Load.
type Record struct {
	ID      string
	Name    string // code unit name
	Module  string // defining module name, if known
	Created time.Time
	Size    int
	Data    []byte
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	log.Debugf("opened store %s", path)
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// SaveSnapshot stores an encoded snapshot and returns its new id.
func (s *Store) SaveSnapshot(name, module string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err := s.db.Exec(
		"INSERT INTO snapshots (id, name, module, created, size, data) VALUES (?, ?, ?, ?, ?, ?)",
		id, name, module, time.Now().UnixNano(), len(data), data,
	)
	if err != nil {
		return "", fmt.Errorf("saving snapshot: %w", err)
	}
	log.Debugf("saved snapshot %s (%s, %d bytes)", id, name, len(data))
	return id, nil
}

// LoadSnapshot retrieves a snapshot with its data.
func (s *Store) LoadSnapshot(id string) (*Record, error) {
	r := &Record{ID: id}
	var created int64
	err := s.db.QueryRow(
		"SELECT name, module, created, size, data FROM snapshots WHERE id = ?", id,
	).Scan(&r.Name, &r.Module, &created, &r.Size, &r.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}
	r.Created = time.Unix(0, created)
	return r, nil
}

// ListSnapshots returns every snapshot, newest first, without data.
func (s *Store) ListSnapshots() ([]Record, error) {
	rows, err := s.db.Query("SELECT id, name, module, created, size FROM snapshots ORDER BY created DESC, id")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Name, &r.Module, &created, &r.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		r.Created = time.Unix(0, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a snapshot.
func (s *Store) DeleteSnapshot(id string) error {
	return s.delete("snapshots", id)
}

// ---------------------------------------------------------------------------
// Blobs
// ---------------------------------------------------------------------------

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PutBlob stores data and returns its id and digest.
func (s *Store) PutBlob(data []byte) (id, digest string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = uuid.New().String()
	digest = Digest(data)
	_, err = s.db.Exec(
		"INSERT INTO blobs (id, digest, size, data) VALUES (?, ?, ?, ?)",
		id, digest, len(data), data,
	)
	if err != nil {
		return "", "", fmt.Errorf("saving blob: %w", err)
	}
	return id, digest, nil
}

// GetBlob retrieves a blob and verifies its digest.
func (s *Store) GetBlob(id string) ([]byte, error) {
	var digest string
	var data []byte
	err := s.db.QueryRow("SELECT digest, data FROM blobs WHERE id = ?", id).Scan(&digest, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying blob: %w", err)
	}
	if Digest(data) != digest {
		return nil, fmt.Errorf("%w: blob %s", ErrDigestMismatch, id)
	}
	return data, nil
}

// DeleteBlob removes a blob.
func (s *Store) DeleteBlob(id string) error {
	return s.delete("blobs", id)
}

func (s *Store) delete(table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}
