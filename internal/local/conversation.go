// ABOUTME: In-process Conversation built on goroutines and contexts
// ABOUTME: Owns the event log, listener fan-out, and the sandboxed workspace

package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
	"github.com/2389/parley/internal/workspace"
)

// Conversation is the in-process backend. Unlike a cooperative single-thread
// runtime, every map here is reached from genuinely parallel goroutines, so
// info/listeners/live are guarded by mu and task-store writes by taskMu.
type Conversation struct {
	id     uuid.UUID
	agent  agent.Agent
	ws     *workspace.Workspace
	events storage.Storage[event.Event]
	tasks  storage.Storage[task.Task]
	infos  storage.Storage[conversation.Info]
	logger *slog.Logger

	fanoutTimeout time.Duration

	mu        sync.RWMutex
	info      conversation.Info
	listeners map[uuid.UUID]conversation.Listener
	live      map[uuid.UUID]*liveTask

	// taskMu makes read-check-update sequences on the task store atomic.
	taskMu sync.Mutex

	// base is the conversation-scoped context. Cancelling it is the forced
	// termination path: every running task's context descends from it.
	base       context.Context
	baseCancel context.CancelFunc

	destroyOnce sync.Once
}

// liveTask tracks one running goroutine. cancelRun is the soft,
// cooperative cancel; it is only honored by cancellable runnables because
// non-cancellable ones run directly on the base context.
type liveTask struct {
	id          uuid.UUID
	cancellable bool
	cancelRun   context.CancelFunc
	done        chan struct{}
}

func (c *Conversation) ID() uuid.UUID { return c.id }

func (c *Conversation) Status() conversation.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.Status
}

func (c *Conversation) Info() conversation.Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return conversation.Identity.Clone(c.info)
}

// setStatus advances the status machine, writes the snapshot through to the
// broker's info store, and emits a status-changed event. Transitions the
// machine forbids are dropped, so the deferred readiness write is a no-op
// once a destroy has started.
func (c *Conversation) setStatus(ctx context.Context, status conversation.Status, message string) {
	c.mu.Lock()
	if !c.info.Status.CanAdvanceTo(status) {
		c.mu.Unlock()
		return
	}
	c.info.Status = status
	c.info.UpdatedAt = time.Now()
	if message != "" {
		c.info.StatusMessage = &message
	} else {
		c.info.StatusMessage = nil
	}
	snapshot := conversation.Identity.Clone(c.info)
	c.mu.Unlock()

	if err := c.infos.Update(ctx, snapshot); err != nil {
		c.logger.Warn("writing status through to broker store", "error", err)
	}
	if _, err := c.TriggerEvent(ctx, event.StatusChanged{Status: string(status), Message: message}); err != nil {
		c.logger.Warn("emitting status event", "error", err)
	}
}

// AddListener registers a listener for this conversation's events.
func (c *Conversation) AddListener(l conversation.Listener) uuid.UUID {
	id := uuid.New()
	c.mu.Lock()
	c.listeners[id] = l
	c.mu.Unlock()
	c.logger.Debug("listener added", "listener_id", id)
	return id
}

// RemoveListener drops a registration, reporting whether it was present.
func (c *Conversation) RemoveListener(id uuid.UUID) bool {
	c.mu.Lock()
	_, ok := c.listeners[id]
	delete(c.listeners, id)
	c.mu.Unlock()
	return ok
}

// TriggerEvent appends the event to the log and fans it out to all
// currently registered listeners concurrently. The append happens under
// taskMu-independent locking so events of one conversation are totally
// ordered; fan-out is awaited as a group with a bounded budget so one
// hanging listener cannot block the caller indefinitely.
func (c *Conversation) TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error) {
	c.mu.Lock()
	ev := event.Event{
		ConversationID: c.id,
		Detail:         detail,
		CreatedAt:      time.Now(),
	}
	id, err := c.events.Create(ctx, ev)
	if err != nil {
		c.mu.Unlock()
		return event.Event{}, fmt.Errorf("appending event: %w", err)
	}
	ev.ID = id
	targets := make([]conversation.Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		targets = append(targets, l)
	}
	c.mu.Unlock()

	metrics.EventsTriggered.WithLabelValues(detail.Kind()).Inc()
	c.fanOut(ctx, ev, targets)
	return ev, nil
}

// fanOut delivers ev to every listener concurrently and waits for the group
// up to the fan-out budget. Stragglers keep running on their own goroutines
// but no longer block the trigger.
func (c *Conversation) fanOut(ctx context.Context, ev event.Event, targets []conversation.Listener) {
	if len(targets) == 0 {
		return
	}
	fanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fanoutTimeout)

	var wg sync.WaitGroup
	for _, l := range targets {
		wg.Add(1)
		go func(l conversation.Listener) {
			defer wg.Done()
			l.OnEvent(fanCtx, ev)
		}(l)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-fanCtx.Done():
		metrics.ListenerFanoutTimeouts.Inc()
		c.logger.Warn("event fan-out exceeded budget",
			"event_id", ev.ID,
			"listeners", len(targets),
			"budget", c.fanoutTimeout)
	}
}

func (c *Conversation) GetEvent(ctx context.Context, id uuid.UUID) (event.Event, error) {
	return c.events.Read(ctx, id)
}

// markEventHandled stamps the time an event's processing finished. This is
// the only mutation an appended event ever sees.
func (c *Conversation) markEventHandled(ctx context.Context, id uuid.UUID) {
	ev, err := c.events.Read(ctx, id)
	if err != nil {
		c.logger.Warn("marking event handled", "event_id", id, "error", err)
		return
	}
	now := time.Now()
	ev.HandledAt = &now
	if err := c.events.Update(ctx, ev); err != nil {
		c.logger.Warn("marking event handled", "event_id", id, "error", err)
	}
}

func (c *Conversation) SearchEvents(ctx context.Context, pageID string) (storage.Page[event.Event], error) {
	return c.events.Search(ctx, nil, pageID)
}

func (c *Conversation) CountEvents(ctx context.Context) (int, error) {
	return c.events.Count(ctx, nil)
}

// File operations delegate to the sandboxed workspace.

func (c *Conversation) CreateDir(ctx context.Context, path string) (workspace.FileInfo, error) {
	return c.ws.CreateDir(path)
}

func (c *Conversation) CreateFile(ctx context.Context, path string) (workspace.FileInfo, error) {
	return c.ws.CreateFile(path)
}

func (c *Conversation) SaveFile(ctx context.Context, path string, r io.Reader) (workspace.FileInfo, error) {
	return c.ws.SaveFile(path, r)
}

func (c *Conversation) DeleteFile(ctx context.Context, path string) (bool, error) {
	return c.ws.DeleteFile(path)
}

func (c *Conversation) LoadFile(ctx context.Context, path string) (io.ReadCloser, workspace.FileInfo, error) {
	return c.ws.LoadFile(path)
}

func (c *Conversation) GetFileInfo(ctx context.Context, path string) (workspace.FileInfo, error) {
	return c.ws.GetFileInfo(path)
}

func (c *Conversation) SearchFileInfo(ctx context.Context, filter workspace.FileFilter, pageID string) (storage.Page[workspace.FileInfo], error) {
	return c.ws.SearchFileInfo(filter, pageID)
}

func (c *Conversation) CountFiles(ctx context.Context, filter workspace.FileFilter) (int, error) {
	return c.ws.CountFiles(filter)
}

var _ conversation.Conversation = (*Conversation)(nil)

// Satisfies agent.Eventer so agents can reply directly on the conversation.
var _ agent.Eventer = (*Conversation)(nil)
