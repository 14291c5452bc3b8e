// Package data provides the SQLite-based persistence layer for the relay:
// conversation logs, attachments, user preferences and the evidence manifest.
// It uses modernc.org/sqlite for pure-Go, CGO-free database access.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEMA
// ═══════════════════════════════════════════════════════════════════════════════

const conversationSchema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	conversation_key TEXT NOT NULL,
	role             TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	author_id        TEXT,
	author_name      TEXT,
	author_bot       INTEGER NOT NULL DEFAULT 0,
	reply_to         TEXT,
	content          TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON conversation_turns(conversation_key, seq);
CREATE INDEX IF NOT EXISTS idx_turns_author ON conversation_turns(author_id);
CREATE INDEX IF NOT EXISTS idx_turns_reply ON conversation_turns(reply_to);
`

const attachmentSchema = `
CREATE TABLE IF NOT EXISTS attachments (
	id               TEXT PRIMARY KEY,
	owner_id         TEXT NOT NULL,
	conversation_key TEXT NOT NULL,
	filename         TEXT NOT NULL,
	media_type       TEXT NOT NULL,
	data             BLOB NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_owner ON attachments(owner_id);
CREATE INDEX IF NOT EXISTS idx_attachments_conversation ON attachments(conversation_key);
`

const preferenceSchema = `
CREATE TABLE IF NOT EXISTS preferences (
	user_id          TEXT PRIMARY KEY,
	reasoning_mode   TEXT NOT NULL DEFAULT 'plain',
	reasoning_rounds INTEGER NOT NULL DEFAULT 3,
	rag_enabled      INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL
);
`

const manifestSchema = `
CREATE TABLE IF NOT EXISTS evidence_manifest (
	file_location TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	doi           TEXT NOT NULL DEFAULT '',
	citation      TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);
`

// Store provides access to the SQLite database.
type Store struct {
	db *sql.DB

	defaultRounds int
}

// NewDB creates a new database connection and initializes the schema.
// The dataDir should point to a LOCAL directory (e.g., ~/.cortex-relay).
// Network paths are rejected to prevent SQLite corruption.
func NewDB(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := validateLocalPath(dataDir); err != nil {
		return nil, fmt.Errorf("validate data directory: %w", err)
	}

	return open(filepath.Join(dataDir, "relay.db"))
}

// OpenMemory opens a private in-memory database with the full schema.
// The pool is pinned to one connection so the database lives as long as
// the Store.
func OpenMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite works best with single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// initPragmas configures SQLite for optimal performance and safety.
func (s *Store) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrent reads
		"PRAGMA synchronous = NORMAL", // Balance safety and performance
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000", // Wait 5 seconds if locked
		"PRAGMA cache_size = -16000", // 16MB cache (negative = KB)
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Migrate runs all schema migrations.
// This is idempotent - safe to call multiple times.
func (s *Store) Migrate() error {
	migrations := []struct {
		name   string
		schema string
	}{
		{"conversation_turns", conversationSchema},
		{"attachments", attachmentSchema},
		{"preferences", preferenceSchema},
		{"evidence_manifest", manifestSchema},
	}

	for _, m := range migrations {
		if err := s.runMigration(m.name, m.schema); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	return nil
}

// runMigration executes a single migration schema.
func (s *Store) runMigration(name, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range splitSQL(schema) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement %d: %w\nSQL: %s", i+1, err, stmt)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	log.Debug().Str("migration", name).Msg("schema applied")
	return nil
}

// Health checks if the database connection is alive and responsive.
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if result != 1 {
		return fmt.Errorf("health check returned unexpected value: %d", result)
	}

	return nil
}

// Close closes the database connection.
// This should be called when shutting down the application.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	// Flush WAL to main database; failure is logged, close still proceeds.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// WithTx executes a function within a transaction.
// If the function returns an error, the transaction is rolled back.
// Otherwise, it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// validateLocalPath ensures the path is on a local filesystem.
// Network paths (SMB, NFS, etc.) can cause SQLite corruption.
func validateLocalPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	networkPrefixes := []string{
		"//",   // UNC paths (Windows)
		"\\\\", // UNC paths (Windows alternative)
		"/net/",
	}

	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(absPath, prefix) {
			return fmt.Errorf("network path detected: %s (SQLite requires local filesystem)", absPath)
		}
	}

	testFile := filepath.Join(path, ".relay-write-test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	os.Remove(testFile)

	return nil
}

// splitSQL splits a multi-statement schema into individual statements,
// skipping blank lines and comment lines.
func splitSQL(schema string) []string {
	var (
		statements []string
		current    strings.Builder
	)

	for _, line := range strings.Split(schema, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteByte('\n')

		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	if final := strings.TrimSpace(current.String()); final != "" {
		statements = append(statements, final)
	}

	return statements
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
