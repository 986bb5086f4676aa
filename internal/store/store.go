// Package store is the embedded SQLite layer: schema management, the
// event/session/sync-state repositories, and the single-writer access
// discipline they all share.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages a write connection and a read-only pool. All mutating
// operations serialize on mu so SQLite's single-writer constraint is never
// violated by concurrent callers; reads go through the reader pool.
type Store struct {
	writer *sql.DB
	reader *sql.DB
	mu     sync.Mutex // serializes writes
	log    *slog.Logger
}

// makeDSN builds a SQLite connection string with shared pragmas.
func makeDSN(path string, readOnly bool) string {
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "ON")
	params.Set("_cache_size", "-64000")
	if readOnly {
		params.Set("mode", "ro")
	} else {
		params.Set("_synchronous", "NORMAL")
	}
	return path + "?" + params.Encode()
}

// Open creates or opens the database at path and runs schema setup and
// migrations to completion before returning. Any schema failure is fatal:
// the store cannot open. A nil logger discards all log output.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Phase: PhaseOpen, Op: "creating db directory", Err: err}
	}

	writer, err := sql.Open("sqlite3", makeDSN(path, false))
	if err != nil {
		return nil, &Error{Phase: PhaseOpen, Op: "opening writer", Err: err}
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", makeDSN(path, true))
	if err != nil {
		writer.Close()
		return nil, &Error{Phase: PhaseOpen, Op: "opening reader", Err: err}
	}
	reader.SetMaxOpenConns(4)

	s := &Store{writer: writer, reader: reader, log: logger}
	if err := s.ensureSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// Close closes both writer and reader connections.
func (s *Store) Close() error {
	return errors.Join(s.writer.Close(), s.reader.Close())
}

// Update executes fn within the write lock and a transaction. The
// transaction is committed if fn returns nil, rolled back otherwise.
func (s *Store) Update(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(fn)
}

// updateLocked is Update for callers already holding s.mu.
func (s *Store) updateLocked(fn func(tx *sql.Tx) error) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return &Error{Phase: PhaseExecute, Op: "beginning transaction", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Reader returns the read-only connection pool.
func (s *Store) Reader() *sql.DB {
	return s.reader
}
