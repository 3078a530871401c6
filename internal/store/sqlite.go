// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Thread map persistence with transactional inserts and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// busyTimeoutMillis is how long a writer waits for the write lock before failing.
const busyTimeoutMillis = 5000

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// openDB opens the database with per-connection pragmas so every pooled
// connection waits on the write lock instead of failing with SQLITE_BUSY.
func openDB(path string) (*sql.DB, error) {
	if path == ":memory:" {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		// each connection would get its own empty in-memory database
		db.SetMaxOpenConns(1)
		return db, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeoutMillis)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return db, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			frontend    TEXT NOT NULL,
			external_id TEXT NOT NULL,
			id          TEXT NOT NULL UNIQUE,
			session_id  TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			PRIMARY KEY (frontend, external_id)
		);

		CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateThread inserts a thread record in a single statement.
// If the platform thread is already mapped, it returns ErrDuplicateThread
// and the existing record is left untouched.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.Frontend == "" || thread.ExternalID == "" {
		return errors.New("thread frontend and external id are required")
	}
	if thread.SessionID == "" {
		return errors.New("thread session id is required")
	}

	query := `
		INSERT INTO threads (frontend, external_id, id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		thread.Frontend,
		thread.ExternalID,
		thread.ID,
		thread.SessionID,
		thread.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	s.logger.Debug("created thread", "frontend", thread.Frontend, "external_id", thread.ExternalID, "session_id", thread.SessionID)
	return nil
}

// isConstraintViolation reports whether err came from a UNIQUE or PRIMARY KEY clash.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetThread retrieves the record for a platform thread.
func (s *SQLiteStore) GetThread(ctx context.Context, frontend, externalID string) (*Thread, error) {
	query := `
		SELECT id, frontend, external_id, session_id, created_at
		FROM threads
		WHERE frontend = ? AND external_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, frontend, externalID)
	thread, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// ListThreads returns up to limit threads, newest first. A non-positive limit means 100.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, frontend, external_id, session_id, created_at
		FROM threads
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating threads: %w", err)
	}

	return threads, nil
}

// CountThreads returns the number of mapped threads.
func (s *SQLiteStore) CountThreads(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting threads: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var thread Thread
	var createdAtStr string

	if err := row.Scan(
		&thread.ID,
		&thread.Frontend,
		&thread.ExternalID,
		&thread.SessionID,
		&createdAtStr,
	); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	thread.CreatedAt = createdAt

	return &thread, nil
}
