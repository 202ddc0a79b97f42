// Package notify broadcasts download task events to in-process subscribers
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itenfay/cxdownload/internal/storage"
)

// EventType represents the type of task event
type EventType string

const (
	// EventTypeDownloadState fires when a task moves to a different state
	EventTypeDownloadState EventType = "download_state"
	// EventTypeDownloadProgress fires for every received chunk
	EventTypeDownloadProgress EventType = "download_progress"
)

// Event carries a full snapshot of the task at the time it was produced
type Event struct {
	Type          EventType          `json:"type"`
	Timestamp     int64              `json:"timestamp"`
	TaskID        string             `json:"taskId"`
	URL           string             `json:"url"`
	PreviousState string             `json:"previousState,omitempty"`
	Task          storage.TaskRecord `json:"task"`
}

// NewStateEvent creates a state change event
func NewStateEvent(rec *storage.TaskRecord, previous storage.TaskState) *Event {
	e := newEvent(EventTypeDownloadState, rec)
	e.PreviousState = previous.String()
	return e
}

// NewCreatedEvent announces a task that was just queued
func NewCreatedEvent(rec *storage.TaskRecord) *Event {
	return newEvent(EventTypeDownloadState, rec)
}

// NewProgressEvent creates a progress event
func NewProgressEvent(rec *storage.TaskRecord) *Event {
	return newEvent(EventTypeDownloadProgress, rec)
}

func newEvent(eventType EventType, rec *storage.TaskRecord) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		TaskID:    rec.ID,
		URL:       rec.URL,
		Task:      rec.Snapshot(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}
