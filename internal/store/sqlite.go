package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperengineering/waypoint/internal/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed local store holding the cached_data,
// pending_actions and analytics collections.
type SQLiteStore struct {
	path string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// Open opens (creating if needed) the local store at dbPath.
// It applies pragmas and runs migrations; calling it again on an existing
// store is a cheap no-op beyond opening the file.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, Wrap("create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, Wrap("open database", err)
	}

	// One connection: the transaction primitive is the only serialization point,
	// and ":memory:" databases stay a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Wrap("open database", err)
	}

	if err := enablePragmas(ctx, db); err != nil {
		db.Close()
		return nil, Wrap("enable pragmas", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, Wrap("migrate schema", err)
	}

	return &SQLiteStore{path: dbPath, db: db}, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent readers.
func enablePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database. It waits for in-flight transactions and is idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// ReadTx runs fn inside a transaction that is always rolled back.
func (s *SQLiteStore) ReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Wrap("begin read transaction", ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Wrap("begin read transaction", err)
	}
	defer tx.Rollback()

	return fn(tx)
}

// WriteTx runs fn inside a transaction and commits when fn returns nil.
// Any error from fn rolls the transaction back and is returned unchanged.
func (s *SQLiteStore) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Wrap("begin write transaction", ErrClosed)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Wrap("begin write transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return Wrap("commit transaction", err)
	}
	return nil
}

// Stats returns row counts per collection and the database file size.
func (s *SQLiteStore) Stats(ctx context.Context) (*types.StoreStats, error) {
	stats := &types.StoreStats{}

	err := s.ReadTx(ctx, func(tx *sql.Tx) error {
		counts := []struct {
			query string
			dest  *int64
		}{
			{"SELECT COUNT(*) FROM cached_data", &stats.CachedRows},
			{"SELECT COUNT(*) FROM pending_actions", &stats.PendingActions},
			{"SELECT COUNT(*) FROM analytics", &stats.AnalyticsRows},
		}
		for _, c := range counts {
			if err := tx.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
				return Wrap("count rows", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(s.path); err == nil {
		stats.SizeBytes = info.Size()
	}

	return stats, nil
}

// Backup writes a consistent point-in-time copy of the store to dest,
// replacing any previous copy at that path.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Wrap("backup", ErrClosed)
	}

	if dir := filepath.Dir(dest); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Wrap("create backup directory", err)
		}
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return Wrap("remove previous backup", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return Wrap("backup", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, Wrap("schema version", ErrClosed)
	}
	v, err := SchemaVersion(s.db)
	return v, Wrap("schema version", err)
}
