// Package storage provides the persistence layer for download task records
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// StorageType represents the type of storage backend
type StorageType string

const (
	StorageTypeMemory StorageType = "memory" // In-memory storage (ephemeral)
	StorageTypeSQLite StorageType = "sqlite" // SQLite file-based storage
)

// StorageConfig represents storage configuration
type StorageConfig struct {
	Type   StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	SQLite *SQLiteConfig `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite,omitempty"`
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path      string            `mapstructure:"path" yaml:"path" json:"path"`                    // Database file path
	Pragmas   map[string]string `mapstructure:"pragmas" yaml:"pragmas" json:"pragmas,omitempty"` // SQLite pragmas
	EnableWAL bool              `mapstructure:"enable_wal" yaml:"enable_wal" json:"enableWAL"`   // Enable WAL mode
}

// TaskState is the lifecycle state of a download task
type TaskState int

const (
	StateWaiting TaskState = iota
	StateDownloading
	StatePaused
	StateCancelled
	StateFinished
	StateError
)

func (s TaskState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseTaskState is the inverse of String
func ParseTaskState(s string) (TaskState, error) {
	for st := StateWaiting; st <= StateError; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// MarshalText encodes the state by name
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *TaskState) UnmarshalText(text []byte) error {
	st, err := ParseTaskState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ErrorInfo describes why a task ended in the error state
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TaskRecord is the persisted description of one download
type TaskRecord struct {
	ID                string     `json:"id" db:"id"`
	URL               string     `json:"url" db:"url"`
	FileName          string     `json:"fileName" db:"file_name"`
	Directory         string     `json:"directory" db:"directory"`
	TotalSize         int64      `json:"totalSize" db:"total_size"`
	ReceivedSize      int64      `json:"receivedSize" db:"received_size"`
	Progress          float64    `json:"progress" db:"progress"`
	Speed             int64      `json:"speed" db:"speed"` // bytes per second
	State             TaskState  `json:"state" db:"state"`
	LastStateChangeAt time.Time  `json:"lastStateChangeAt" db:"last_state_change_at"`
	ErrorInfo         *ErrorInfo `json:"errorInfo,omitempty" db:"error_code,error_message"`
	LocalPath         string     `json:"localPath,omitempty" db:"local_path"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
}

// Snapshot returns a deep copy of the record
func (r *TaskRecord) Snapshot() TaskRecord {
	c := *r
	if r.ErrorInfo != nil {
		info := *r.ErrorInfo
		c.ErrorInfo = &info
	}
	return c
}

// TaskID derives the stable task identifier for a URL
func TaskID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// UpdateField selects which column groups an upsert writes
type UpdateField uint8

const (
	// FieldState covers state, error info and local path
	FieldState UpdateField = 1 << iota
	// FieldStateTime covers the last state change timestamp
	FieldStateTime
	// FieldProgress covers total size, received size, progress and speed
	FieldProgress
	// FieldLocation covers file name and directory
	FieldLocation

	FieldAll = FieldState | FieldStateTime | FieldProgress | FieldLocation
)

// Has reports whether all bits of o are set
func (f UpdateField) Has(o UpdateField) bool {
	return f&o == o
}

// Store defines the storage interface
type Store interface {
	// Get returns the record for url or ErrTaskNotFound
	Get(ctx context.Context, url string) (*TaskRecord, error)
	// Upsert inserts the whole record if absent, otherwise writes only the selected fields
	Upsert(ctx context.Context, rec *TaskRecord, fields UpdateField) error
	Delete(ctx context.Context, url string) error
	// ListByState returns records in state ordered by LastStateChangeAt, oldest first
	ListByState(ctx context.Context, state TaskState) ([]*TaskRecord, error)
	// ListAll returns every record ordered by CreatedAt
	ListAll(ctx context.Context) ([]*TaskRecord, error)

	// Cleanup
	Close() error
}

// Manager manages the storage backend
type Manager struct {
	store  Store
	config *StorageConfig
}

// NewManager creates a new storage manager
func NewManager(config *StorageConfig) (*Manager, error) {
	mgr := &Manager{
		config: config,
	}

	var store Store
	var err error

	switch config.Type {
	case StorageTypeMemory:
		store, err = NewMemoryStore()
	case StorageTypeSQLite:
		if config.SQLite == nil {
			return nil, ErrMissingSQLiteConfig
		}
		store, err = NewSQLiteStore(config.SQLite)
	default:
		return nil, ErrInvalidStorageType
	}

	if err != nil {
		return nil, err
	}

	mgr.store = store
	return mgr, nil
}

// GetStore returns the underlying store
func (m *Manager) GetStore() Store {
	return m.store
}

// Close closes the storage manager
func (m *Manager) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

// Errors
var (
	ErrInvalidStorageType  = &StorageError{Code: "INVALID_TYPE", Message: "Invalid storage type"}
	ErrMissingSQLiteConfig = &StorageError{Code: "MISSING_CONFIG", Message: "Missing SQLite configuration"}
	ErrTaskNotFound        = &StorageError{Code: "NOT_FOUND", Message: "Task not found"}
	ErrInvalidRecord       = &StorageError{Code: "INVALID_RECORD", Message: "Task record has no URL"}
)

// StorageError represents a storage error
type StorageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
