// ABOUTME: Task is an asynchronous unit of work wrapping a polymorphic Runnable
// ABOUTME: Owns the task status machine; terminal states are never left

package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/storage"
)

// Status is the task state machine. PENDING and RUNNING are live; a task is
// immutable once it reaches a terminal status.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Task wraps a Runnable with identity, status, and progress fields. The
// Runnable is immutable after creation; only the task's own execution and
// cancellation requests mutate the rest.
type Task struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Runnable       Runnable  `json:"-"`
	Status         Status    `json:"status"`
	Title          *string   `json:"title,omitempty"`
	Code           *string   `json:"code,omitempty"`
	Progress       *float64  `json:"progress,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type taskWire struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Runnable       json.RawMessage `json:"runnable"`
	Status         Status          `json:"status"`
	Title          *string         `json:"title,omitempty"`
	Code           *string         `json:"code,omitempty"`
	Progress       *float64        `json:"progress,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MarshalJSON encodes the task with its runnable in tagged-envelope form.
func (t Task) MarshalJSON() ([]byte, error) {
	runnable, err := EncodeRunnable(t.Runnable)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return json.Marshal(taskWire{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		Runnable:       runnable,
		Status:         t.Status,
		Title:          t.Title,
		Code:           t.Code,
		Progress:       t.Progress,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	})
}

// UnmarshalJSON decodes the task, resolving the runnable through the
// registry.
func (t *Task) UnmarshalJSON(data []byte) error {
	var wire taskWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	runnable, err := DecodeRunnable(wire.Runnable)
	if err != nil {
		return fmt.Errorf("task %s: %w", wire.ID, err)
	}
	*t = Task{
		ID:             wire.ID,
		ConversationID: wire.ConversationID,
		Runnable:       runnable,
		Status:         wire.Status,
		Title:          wire.Title,
		Code:           wire.Code,
		Progress:       wire.Progress,
		CreatedAt:      wire.CreatedAt,
		UpdatedAt:      wire.UpdatedAt,
	}
	return nil
}

// Identity is the storage identity for tasks. Runnables are immutable values
// so the clone copies only the mutable pointer fields.
var Identity = storage.Identity[Task]{
	Key:     func(t Task) uuid.UUID { return t.ID },
	WithKey: func(t Task, id uuid.UUID) Task { t.ID = id; return t },
	Clone: func(t Task) Task {
		if t.Title != nil {
			v := *t.Title
			t.Title = &v
		}
		if t.Code != nil {
			v := *t.Code
			t.Code = &v
		}
		if t.Progress != nil {
			v := *t.Progress
			t.Progress = &v
		}
		return t
	},
}

// Codec serializes tasks for row storage.
var Codec = storage.Codec[Task]{
	Marshal: func(t Task) ([]byte, error) { return json.Marshal(t) },
	Unmarshal: func(b []byte) (Task, error) {
		var t Task
		err := json.Unmarshal(b, &t)
		return t, err
	},
}
