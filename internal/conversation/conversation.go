// ABOUTME: Abstract Conversation contract satisfied by both local and remote backends
// ABOUTME: Defines the status machine, listener registration, and all operations

package conversation

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
	"github.com/2389/parley/internal/workspace"
)

// Status is the conversation state machine:
//
//	CREATING -> READY -> DESTROYING -> DESTROYED
//
// ERROR is reachable from any non-terminal state. Transitions are otherwise
// monotonic.
type Status string

const (
	StatusCreating   Status = "CREATING"
	StatusReady      Status = "READY"
	StatusDestroying Status = "DESTROYING"
	StatusDestroyed  Status = "DESTROYED"
	StatusError      Status = "ERROR"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDestroyed || s == StatusError
}

// CanAdvanceTo reports whether the machine permits moving from s to next.
// ERROR is reachable from any non-terminal state; every other transition
// only moves forward, so a late readiness write cannot land on a
// conversation already being destroyed.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusError {
		return true
	}
	switch s {
	case StatusCreating:
		return next == StatusReady || next == StatusDestroying
	case StatusReady:
		return next == StatusDestroying
	case StatusDestroying:
		return next == StatusDestroyed
	}
	return false
}

// Info is the externally visible snapshot of a conversation.
type Info struct {
	ID            uuid.UUID `json:"id"`
	Status        Status    `json:"status"`
	StatusMessage *string   `json:"status_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Identity is the storage identity for conversation infos.
var Identity = storage.Identity[Info]{
	Key:     func(i Info) uuid.UUID { return i.ID },
	WithKey: func(i Info, id uuid.UUID) Info { i.ID = id; return i },
	Clone: func(i Info) Info {
		if i.StatusMessage != nil {
			v := *i.StatusMessage
			i.StatusMessage = &v
		}
		return i
	},
}

// Codec serializes infos for row storage.
var Codec = storage.Codec[Info]{
	Marshal: func(i Info) ([]byte, error) { return json.Marshal(i) },
	Unmarshal: func(b []byte) (Info, error) {
		var i Info
		err := json.Unmarshal(b, &i)
		return i, err
	},
}

// Filter is a serializable predicate object over conversation infos.
type Filter struct {
	Status *Status `json:"status,omitempty"`
}

// Matches reports whether the info satisfies the filter. A nil filter
// matches everything.
func (f *Filter) Matches(info Info) bool {
	if f == nil {
		return true
	}
	if f.Status != nil && info.Status != *f.Status {
		return false
	}
	return true
}

// Listener receives every event triggered on one conversation. Fan-out is
// concurrent and at-least-once within a live registration; a listener that
// blocks past the fan-out budget is abandoned for that event, not retried.
type Listener interface {
	OnEvent(ctx context.Context, ev event.Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev event.Event)

func (f ListenerFunc) OnEvent(ctx context.Context, ev event.Event) { f(ctx, ev) }

// Conversation is the session against which all operations are invoked: an
// event log, a task log, live listener registrations, and a sandboxed file
// namespace. The local and remote implementations satisfy this identical
// contract, so callers cannot tell which backs them.
type Conversation interface {
	ID() uuid.UUID
	Status() Status
	Info() Info

	// AddListener registers a listener and returns its registration id.
	// The conversation holds a non-owning reference; the caller controls
	// the listener's lifetime.
	AddListener(l Listener) uuid.UUID
	// RemoveListener drops a registration, reporting whether it was present.
	RemoveListener(id uuid.UUID) bool

	// TriggerEvent appends an event to the log, then fans it out to every
	// currently registered listener concurrently. Appends on one
	// conversation are totally ordered.
	TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error)
	GetEvent(ctx context.Context, id uuid.UUID) (event.Event, error)
	SearchEvents(ctx context.Context, pageID string) (storage.Page[event.Event], error)
	CountEvents(ctx context.Context) (int, error)

	// CreateTask submits a runnable for asynchronous execution. Fails with
	// ErrNotReady unless the conversation is READY. With delay > 0 the
	// task starts PENDING and transitions to RUNNING once the delay
	// elapses; otherwise it starts RUNNING immediately.
	CreateTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, error)
	// RunTask is CreateTask plus waiting for the task to reach a terminal
	// status; it returns the final task.
	RunTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (task.Task, error)
	SearchTasks(ctx context.Context, pageID string) (storage.Page[task.Task], error)
	CountTasks(ctx context.Context) (int, error)
	// CancelTask requests cooperative cancellation. It returns false if
	// the task is absent, already terminal, or its runnable is not
	// cancellable; otherwise it returns true once the task has exited.
	CancelTask(ctx context.Context, id uuid.UUID) (bool, error)

	// File operations on the conversation's sandboxed namespace.
	CreateDir(ctx context.Context, path string) (workspace.FileInfo, error)
	CreateFile(ctx context.Context, path string) (workspace.FileInfo, error)
	SaveFile(ctx context.Context, path string, r io.Reader) (workspace.FileInfo, error)
	DeleteFile(ctx context.Context, path string) (bool, error)
	LoadFile(ctx context.Context, path string) (io.ReadCloser, workspace.FileInfo, error)
	GetFileInfo(ctx context.Context, path string) (workspace.FileInfo, error)
	SearchFileInfo(ctx context.Context, filter workspace.FileFilter, pageID string) (storage.Page[workspace.FileInfo], error)
	CountFiles(ctx context.Context, filter workspace.FileFilter) (int, error)

	// Destroy gracefully shuts the conversation down: every outstanding
	// cancellable task is asked to cancel, live tasks get up to grace to
	// exit, stragglers are forcibly terminated.
	Destroy(ctx context.Context, grace time.Duration) error
}
