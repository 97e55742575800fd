// Package localstate persists advisory snapshots across daemon restarts.
// Snapshots speed up startup and never substitute for live reads.
package localstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ambleapp/amble/internal/apperror"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store is a small key-value snapshot store backed by SQLite.
type Store struct {
	mu     sync.Mutex
	conn   *sqlite.Conn
	logger *zap.Logger
}

// Open opens or creates the snapshot database at the given path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	err = sqlitex.Execute(conn, `
		CREATE TABLE IF NOT EXISTS snapshots (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create snapshot table: %w", err)
	}

	return &Store{
		conn:   conn,
		logger: logger.Named("localstate"),
	}, nil
}

// Close closes the snapshot database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.Close()
}

// Put stores a snapshot under the given key, replacing any previous value.
func (s *Store) Put(key string, value []byte, updatedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := sqlitex.Execute(s.conn, `
		INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, &sqlitex.ExecOptions{
		Args: []any{key, string(value), updatedAt},
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", key, err)
	}

	return nil
}

// Get returns the snapshot stored under the given key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		value string
		found bool
	)

	err := sqlitex.Execute(s.conn, "SELECT value FROM snapshots WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true

			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}

	if !found {
		return nil, fmt.Errorf("%w: snapshot %s", apperror.ErrNotFound, key)
	}

	return []byte(value), nil
}

// Delete removes the snapshot stored under the given key.
// Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := sqlitex.Execute(s.conn, "DELETE FROM snapshots WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", key, err)
	}

	return nil
}

// Clear removes every stored snapshot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := sqlitex.Execute(s.conn, "DELETE FROM snapshots", nil); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}

	return nil
}

// PutJSON marshals a value and stores it under the given key.
func PutJSON[T any](s *Store, key string, value T, updatedAt int64) error {
	data, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode snapshot %s: %w", apperror.ErrInvalidData, key, err)
	}

	return s.Put(key, data, updatedAt)
}

// GetJSON reads and unmarshals the snapshot stored under the given key.
func GetJSON[T any](s *Store, key string) (T, error) {
	var value T

	data, err := s.Get(key)
	if err != nil {
		return value, err
	}

	if err := sonic.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("%w: decode snapshot %s: %w", apperror.ErrInvalidData, key, err)
	}

	return value, nil
}
