package kv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite is a collection stored in its own SQLite database file, one file per
// collection under a data directory.
type SQLite struct {
	guard
	path string
	db   *sql.DB
}

// NewSQLite creates a closed collection backed by <dir>/<name>.db.
func NewSQLite(dir, name string) *SQLite {
	return &SQLite{
		guard: guard{name: name},
		path:  filepath.Join(dir, name+".db"),
	}
}

// Path returns the database file backing the collection.
func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Open(ctx context.Context, mode Mode) error {
	if s.open {
		if err := s.Close(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return apperrors.IOFailure("creating collection directory", err)
	}
	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return apperrors.IOFailure("opening "+s.path, err)
	}
	// one connection keeps pragmas and the write lock on a single handle
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return apperrors.IOFailure("configuring "+s.path, err)
		}
	}
	schema := `CREATE TABLE IF NOT EXISTS records (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return apperrors.IOFailure("creating schema in "+s.path, err)
	}

	s.db = db
	s.open = true
	s.mode = mode
	return nil
}

func (s *SQLite) Close() error {
	if !s.open {
		return nil
	}
	s.open = false
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return apperrors.IOFailure("closing "+s.path, err)
	}
	return nil
}

func (s *SQLite) Drop(ctx context.Context) error {
	if err := s.writable(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return apperrors.IOFailure("dropping "+s.name, err)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context) (uint64, error) {
	if err := s.readable(); err != nil {
		return 0, err
	}
	var n uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, apperrors.IOFailure("counting "+s.name, err)
	}
	return n, nil
}

func (s *SQLite) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := s.readable(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, notFound(s.name, key)
	}
	if err != nil {
		return nil, apperrors.IOFailure(fmt.Sprintf("reading %s key %x", s.name, key), err)
	}
	return value, nil
}

func (s *SQLite) Put(ctx context.Context, key, value []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return apperrors.IOFailure(fmt.Sprintf("writing %s key %x", s.name, key), err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key []byte) error {
	if err := s.writable(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key); err != nil {
		return apperrors.IOFailure(fmt.Sprintf("removing %s key %x", s.name, key), err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, fn func(key []byte) error) error {
	if err := s.readable(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records ORDER BY key`)
	if err != nil {
		return apperrors.IOFailure("listing keys of "+s.name, err)
	}
	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return apperrors.IOFailure("listing keys of "+s.name, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return apperrors.IOFailure("listing keys of "+s.name, err)
	}
	rows.Close()

	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
