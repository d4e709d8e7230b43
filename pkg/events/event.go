package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the scope an event refers to.
type Type string

const (
	// TypeLayer marks events about a whole layer (started, completed, skipped).
	TypeLayer Type = "layer"

	// TypeCategory marks events about a single category inside a layer.
	TypeCategory Type = "category"

	// TypeTask marks events about a background task lifecycle transition.
	TypeTask Type = "task"

	// TypeSystem marks events about the control plane itself (probes, refresh).
	TypeSystem Type = "system"
)

// Level is the event severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is a structured progress event published by the scheduler, the
// capability registry, and the task manager. Events are ephemeral: the bus
// hands them to sinks and retains nothing.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event scope (layer, category, task, system).
	Type Type `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the pipeline run this event belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Layer is the layer name, if applicable.
	Layer string `json:"layer,omitempty"`

	// Category is the category name, if applicable.
	Category string `json:"category,omitempty"`

	// TaskID is the background task ID, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level Level `json:"level"`

	// Data contains additional event-specific fields.
	Data map[string]interface{} `json:"data,omitempty"`
}

// stamp fills in the ID and timestamp if the producer left them empty.
func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e
}

// NewLayerEvent builds a layer-scoped event.
func NewLayerEvent(runID, layer, message string, level Level) Event {
	return Event{
		Type:    TypeLayer,
		RunID:   runID,
		Layer:   layer,
		Message: message,
		Level:   level,
	}
}

// NewCategoryEvent builds a category-scoped event.
func NewCategoryEvent(runID, layer, category, message string, level Level) Event {
	return Event{
		Type:     TypeCategory,
		RunID:    runID,
		Layer:    layer,
		Category: category,
		Message:  message,
		Level:    level,
	}
}

// NewTaskEvent builds a task-scoped event.
func NewTaskEvent(taskID, category, message string, level Level) Event {
	return Event{
		Type:     TypeTask,
		TaskID:   taskID,
		Category: category,
		Message:  message,
		Level:    level,
	}
}

// NewSystemEvent builds a system-scoped event.
func NewSystemEvent(message string, level Level) Event {
	return Event{
		Type:    TypeSystem,
		Message: message,
		Level:   level,
	}
}
