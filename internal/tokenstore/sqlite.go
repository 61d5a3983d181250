// Package tokenstore persists the signed-in user's credentials between runs.
package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	keyToken  = "auth_token"
	keyUserID = "auth_id"

	// another process may sign in against the same file
	pollInterval = 2 * time.Second
)

// ErrNotFound is returned when no value is stored for a key.
var ErrNotFound = errors.New("tokenstore: not found")

// Store keeps the auth token and user id in a small key/value table.
// Waiters blocked in WaitToken are released when a token is saved.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	changed chan struct{}
}

// Open creates or opens the store at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = "user_prefs.db"
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create token store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open token store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init token store: %w", err)
	}

	return &Store{db: db, changed: make(chan struct{})}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Token returns the stored auth token.
func (s *Store) Token(ctx context.Context) (string, error) {
	return s.get(ctx, keyToken)
}

// UserID returns the stored user id.
func (s *Store) UserID(ctx context.Context) (string, error) {
	return s.get(ctx, keyUserID)
}

// SaveToken stores the auth token and wakes any WaitToken callers.
func (s *Store) SaveToken(ctx context.Context, token string) error {
	return s.set(ctx, keyToken, token)
}

// SaveUserID stores the user id.
func (s *Store) SaveUserID(ctx context.Context, userID string) error {
	return s.set(ctx, keyUserID, userID)
}

// ClearToken removes the auth token (logout).
func (s *Store) ClearToken(ctx context.Context) error {
	return s.delete(ctx, keyToken)
}

// ClearUserID removes the user id.
func (s *Store) ClearUserID(ctx context.Context) error {
	return s.delete(ctx, keyUserID)
}

// WaitToken returns the stored token, blocking until a non-blank one is
// saved or ctx is done. Saves through this Store wake it at once; writes by
// other processes are picked up on the next poll.
func (s *Store) WaitToken(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()

		token, err := s.Token(ctx)
		if err == nil && strings.TrimSpace(token) != "" {
			return token, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
		timer.Stop()
	}
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.notify()
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM preferences WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.notify()
	return nil
}

// notify wakes every waiter by closing the current channel.
func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.changed)
	s.changed = make(chan struct{})
}
