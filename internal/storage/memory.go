// Package storage provides in-memory storage implementation
package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*TaskRecord // key: task id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() (*MemoryStore, error) {
	return &MemoryStore{
		tasks: make(map[string]*TaskRecord),
	}, nil
}

// Get retrieves a task record by URL
func (s *MemoryStore) Get(ctx context.Context, url string) (*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[TaskID(url)]
	if !ok {
		return nil, ErrTaskNotFound
	}
	c := rec.Snapshot()
	return &c, nil
}

// Upsert inserts or partially updates a task record
func (s *MemoryStore) Upsert(ctx context.Context, rec *TaskRecord, fields UpdateField) error {
	if rec.URL == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := TaskID(rec.URL)
	existing, ok := s.tasks[id]
	if !ok {
		c := rec.Snapshot()
		c.ID = id
		if c.CreatedAt.IsZero() {
			c.CreatedAt = timeNow()
		}
		s.tasks[id] = &c
		return nil
	}

	applyFields(existing, rec, fields)
	return nil
}

// applyFields copies the selected column groups from src into dst
func applyFields(dst, src *TaskRecord, fields UpdateField) {
	if fields.Has(FieldState) {
		dst.State = src.State
		dst.LocalPath = src.LocalPath
		dst.ErrorInfo = nil
		if src.ErrorInfo != nil {
			info := *src.ErrorInfo
			dst.ErrorInfo = &info
		}
	}
	if fields.Has(FieldStateTime) {
		dst.LastStateChangeAt = src.LastStateChangeAt
	}
	if fields.Has(FieldProgress) {
		dst.TotalSize = src.TotalSize
		dst.ReceivedSize = src.ReceivedSize
		dst.Progress = src.Progress
		dst.Speed = src.Speed
	}
	if fields.Has(FieldLocation) {
		dst.FileName = src.FileName
		dst.Directory = src.Directory
	}
}

// Delete removes a task record
func (s *MemoryStore) Delete(ctx context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, TaskID(url))
	return nil
}

// ListByState lists records in the given state, oldest state change first
func (s *MemoryStore) ListByState(ctx context.Context, state TaskState) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := []*TaskRecord{}
	for _, rec := range s.tasks {
		if rec.State == state {
			c := rec.Snapshot()
			recs = append(recs, &c)
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].LastStateChangeAt.Before(recs[j].LastStateChangeAt)
	})
	return recs, nil
}

// ListAll lists all records in creation order
func (s *MemoryStore) ListAll(ctx context.Context) ([]*TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := make([]*TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		c := rec.Snapshot()
		recs = append(recs, &c)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
