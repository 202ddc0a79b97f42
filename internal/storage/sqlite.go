// Package storage provides SQLite storage implementation
package storage

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

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS download_tasks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		file_name TEXT NOT NULL DEFAULT '',
		directory TEXT NOT NULL DEFAULT '',
		total_size INTEGER NOT NULL DEFAULT 0,
		received_size INTEGER NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		speed INTEGER NOT NULL DEFAULT 0,
		state INTEGER NOT NULL,
		last_state_change_at INTEGER NOT NULL,
		error_code INTEGER,
		error_message TEXT,
		local_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_download_tasks_state ON download_tasks(state, last_state_change_at);
	CREATE INDEX IF NOT EXISTS idx_download_tasks_created ON download_tasks(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

const taskColumns = `id, url, file_name, directory, total_size, received_size, progress, speed,
	state, last_state_change_at, error_code, error_message, local_path, created_at`

// Get retrieves a task record by URL
func (s *SQLiteStore) Get(ctx context.Context, url string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM download_tasks WHERE id = ?`, TaskID(url))

	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return rec, nil
}

// Upsert inserts the full record or updates the selected column groups
func (s *SQLiteStore) Upsert(ctx context.Context, rec *TaskRecord, fields UpdateField) error {
	if rec.URL == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = timeNow()
	}

	var errCode sql.NullInt64
	var errMsg sql.NullString
	if rec.ErrorInfo != nil {
		errCode = sql.NullInt64{Int64: int64(rec.ErrorInfo.Code), Valid: true}
		errMsg = sql.NullString{String: rec.ErrorInfo.Message, Valid: true}
	}

	query := `INSERT INTO download_tasks (` + taskColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO ` + conflictClause(fields)

	_, err := s.db.ExecContext(ctx, query,
		TaskID(rec.URL),
		rec.URL,
		rec.FileName,
		rec.Directory,
		rec.TotalSize,
		rec.ReceivedSize,
		rec.Progress,
		rec.Speed,
		int(rec.State),
		rec.LastStateChangeAt.UnixNano(),
		errCode,
		errMsg,
		rec.LocalPath,
		createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// conflictClause builds the update part of the upsert for the given mask
func conflictClause(fields UpdateField) string {
	var sets []string
	if fields.Has(FieldState) {
		sets = append(sets,
			"state = excluded.state",
			"error_code = excluded.error_code",
			"error_message = excluded.error_message",
			"local_path = excluded.local_path")
	}
	if fields.Has(FieldStateTime) {
		sets = append(sets, "last_state_change_at = excluded.last_state_change_at")
	}
	if fields.Has(FieldProgress) {
		sets = append(sets,
			"total_size = excluded.total_size",
			"received_size = excluded.received_size",
			"progress = excluded.progress",
			"speed = excluded.speed")
	}
	if fields.Has(FieldLocation) {
		sets = append(sets,
			"file_name = excluded.file_name",
			"directory = excluded.directory")
	}
	if len(sets) == 0 {
		return "NOTHING"
	}
	return "UPDATE SET " + strings.Join(sets, ", ")
}

// Delete removes a task record
func (s *SQLiteStore) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM download_tasks WHERE id = ?`, TaskID(url)); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// ListByState lists records in the given state, oldest state change first
func (s *SQLiteStore) ListByState(ctx context.Context, state TaskState) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(ctx,
		`SELECT `+taskColumns+` FROM download_tasks WHERE state = ? ORDER BY last_state_change_at ASC, created_at ASC`,
		int(state))
}

// ListAll lists all records in creation order
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.query(ctx, `SELECT `+taskColumns+` FROM download_tasks ORDER BY created_at ASC`)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	recs := []*TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*TaskRecord, error) {
	var (
		rec       TaskRecord
		state     int
		stateTime int64
		createdAt int64
		errCode   sql.NullInt64
		errMsg    sql.NullString
	)

	err := row.Scan(
		&rec.ID,
		&rec.URL,
		&rec.FileName,
		&rec.Directory,
		&rec.TotalSize,
		&rec.ReceivedSize,
		&rec.Progress,
		&rec.Speed,
		&state,
		&stateTime,
		&errCode,
		&errMsg,
		&rec.LocalPath,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = TaskState(state)
	rec.LastStateChangeAt = time.Unix(0, stateTime)
	rec.CreatedAt = time.Unix(0, createdAt)
	if errCode.Valid {
		rec.ErrorInfo = &ErrorInfo{Code: int(errCode.Int64), Message: errMsg.String}
	}
	return &rec, nil
}

// timeNow is swappable in tests
var timeNow = time.Now
