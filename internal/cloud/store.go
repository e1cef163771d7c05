package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// TokenStore persists session tokens per charger serial.
type TokenStore interface {
	Load(ctx context.Context, serial string) (Token, bool, error)
	Save(ctx context.Context, serial string, t Token) error
	Delete(ctx context.Context, serial string) error
}

// MemoryStore keeps tokens for the lifetime of the process.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (m *MemoryStore) Load(_ context.Context, serial string) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[serial]
	return t, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, serial string, t Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[serial] = t
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, serial)
	return nil
}

// SQLiteStore keeps tokens across restarts of the host process.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the token database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cloud_tokens (
		serial     TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, serial string) (Token, bool, error) {
	var (
		value string
		exp   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT token, expires_at FROM cloud_tokens WHERE serial = ?`, serial,
	).Scan(&value, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("load token: %w", err)
	}
	return Token{Value: value, ExpiresAt: time.Unix(exp, 0)}, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, serial string, t Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cloud_tokens (serial, token, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, serial, t.Value, t.ExpiresAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, serial string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cloud_tokens WHERE serial = ?`, serial); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
