// ABOUTME: In-process ConversationBroker: lifecycle authority over conversations
// ABOUTME: Owns the info store, per-conversation stores, and broker listener fan-out

package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/metrics"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
	"github.com/2389/parley/internal/workspace"
)

const defaultFanoutTimeout = 5 * time.Second

// Options configures a Broker. Zero-value fields get in-memory defaults.
type Options struct {
	// AgentFactory builds the agent collaborator for each new conversation.
	AgentFactory agent.Factory

	// WorkspaceRoot is the directory under which per-conversation file
	// sandboxes are created.
	WorkspaceRoot string

	// NewEventStore and NewTaskStore build the per-conversation stores.
	// Nil means in-memory.
	NewEventStore func(id uuid.UUID) (storage.Storage[event.Event], error)
	NewTaskStore  func(id uuid.UUID) (storage.Storage[task.Task], error)

	// InfoStore holds conversation snapshots across the broker. Nil means
	// in-memory.
	InfoStore storage.Storage[conversation.Info]

	// FanoutTimeout bounds how long one event trigger waits for listeners.
	FanoutTimeout time.Duration

	Logger *slog.Logger
}

// Broker is the in-process implementation of conversation.Broker.
type Broker struct {
	opts   Options
	infos  storage.Storage[conversation.Info]
	logger *slog.Logger

	mu        sync.RWMutex
	live      map[uuid.UUID]*Conversation
	listeners map[uuid.UUID]conversation.BrokerListener
	closed    bool
}

// NewBroker builds a broker. The workspace root is created lazily per
// conversation.
func NewBroker(opts Options) (*Broker, error) {
	if opts.AgentFactory == nil {
		opts.AgentFactory = agent.EchoFactory
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = filepath.Join(".", "workspaces")
	}
	if opts.NewEventStore == nil {
		opts.NewEventStore = func(uuid.UUID) (storage.Storage[event.Event], error) {
			return storage.NewMemoryStorage(event.Identity), nil
		}
	}
	if opts.NewTaskStore == nil {
		opts.NewTaskStore = func(uuid.UUID) (storage.Storage[task.Task], error) {
			return storage.NewMemoryStorage(task.Identity), nil
		}
	}
	if opts.InfoStore == nil {
		opts.InfoStore = storage.NewMemoryStorage(conversation.Identity)
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = defaultFanoutTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Broker{
		opts:      opts,
		infos:     opts.InfoStore,
		logger:    opts.Logger.With("component", "broker"),
		live:      make(map[uuid.UUID]*Conversation),
		listeners: make(map[uuid.UUID]conversation.BrokerListener),
	}, nil
}

// CreateConversation constructs a conversation in CREATING, notifies
// after-create listeners, and schedules the transition to READY.
func (b *Broker) CreateConversation(ctx context.Context, cfg agent.Config) (conversation.Conversation, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, errors.New("broker is shut down")
	}
	b.mu.RUnlock()

	now := time.Now()
	info := conversation.Info{
		Status:    conversation.StatusCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := b.infos.Create(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("storing conversation: %w", err)
	}
	info.ID = id

	// A constructor failure below must not leave the CREATING row behind.
	discardInfo := func() {
		if _, derr := b.infos.Destroy(ctx, id); derr != nil {
			b.logger.Warn("discarding conversation record", "conversation_id", id, "error", derr)
		}
	}

	ag, err := b.opts.AgentFactory(cfg)
	if err != nil {
		discardInfo()
		return nil, fmt.Errorf("building agent: %w", err)
	}

	ws, err := workspace.New(filepath.Join(b.opts.WorkspaceRoot, id.String()))
	if err != nil {
		discardInfo()
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	events, err := b.opts.NewEventStore(id)
	if err != nil {
		discardInfo()
		if rerr := ws.Remove(); rerr != nil {
			b.logger.Warn("removing workspace", "conversation_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("creating event store: %w", err)
	}
	tasks, err := b.opts.NewTaskStore(id)
	if err != nil {
		discardInfo()
		if rerr := ws.Remove(); rerr != nil {
			b.logger.Warn("removing workspace", "conversation_id", id, "error", rerr)
		}
		return nil, fmt.Errorf("creating task store: %w", err)
	}

	base, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		id:            id,
		agent:         ag,
		ws:            ws,
		events:        events,
		tasks:         tasks,
		infos:         b.infos,
		logger:        b.logger.With("conversation_id", id),
		fanoutTimeout: b.opts.FanoutTimeout,
		info:          info,
		listeners:     make(map[uuid.UUID]conversation.Listener),
		live:          make(map[uuid.UUID]*liveTask),
		base:          base,
		baseCancel:    cancel,
	}

	// Forward every conversation event into the broker firehose.
	c.AddListener(conversation.ListenerFunc(b.forwardEvent))

	b.mu.Lock()
	b.live[id] = c
	b.mu.Unlock()

	metrics.ConversationsLive.Inc()
	b.logger.Info("conversation created", "conversation_id", id, "agent", cfg.Name)

	for _, l := range b.snapshotListeners() {
		l.AfterCreateConversation(ctx, conversation.Identity.Clone(info))
	}

	// Provisioning is local, so readiness follows immediately but still
	// asynchronously, matching the remote backend's observable shape.
	go c.setStatus(context.WithoutCancel(ctx), conversation.StatusReady, "")

	return c, nil
}

func (b *Broker) forwardEvent(ctx context.Context, ev event.Event) {
	for _, l := range b.snapshotListeners() {
		l.OnEvent(ctx, ev)
	}
}

func (b *Broker) snapshotListeners() []conversation.BrokerListener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]conversation.BrokerListener, 0, len(b.listeners))
	for _, l := range b.listeners {
		out = append(out, l)
	}
	return out
}

// GetConversation returns the conversation with the given id, or
// storage.ErrNotFound.
func (b *Broker) GetConversation(ctx context.Context, id uuid.UUID) (conversation.Conversation, error) {
	b.mu.RLock()
	c, ok := b.live[id]
	b.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c, nil
}

func (b *Broker) SearchConversations(ctx context.Context, filter *conversation.Filter, pageID string) (storage.Page[conversation.Info], error) {
	return b.infos.Search(ctx, filter.Matches, pageID)
}

func (b *Broker) CountConversations(ctx context.Context, filter *conversation.Filter) (int, error) {
	return b.infos.Count(ctx, filter.Matches)
}

// DestroyConversation no-ops with false if the conversation is absent or
// already on its way down.
func (b *Broker) DestroyConversation(ctx context.Context, id uuid.UUID, grace time.Duration) (bool, error) {
	b.mu.RLock()
	c, ok := b.live[id]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	switch c.Status() {
	case conversation.StatusDestroying, conversation.StatusDestroyed:
		return false, nil
	}

	for _, l := range b.snapshotListeners() {
		l.BeforeDestroyConversation(ctx, c.Info())
	}
	if err := c.Destroy(ctx, grace); err != nil {
		return false, err
	}
	return true, nil
}

// AddListener registers a broker listener.
func (b *Broker) AddListener(l conversation.BrokerListener) uuid.UUID {
	id := uuid.New()
	b.mu.Lock()
	b.listeners[id] = l
	b.mu.Unlock()
	return id
}

// RemoveListener drops a registration, reporting whether it was present.
func (b *Broker) RemoveListener(id uuid.UUID) bool {
	b.mu.Lock()
	_, ok := b.listeners[id]
	delete(b.listeners, id)
	b.mu.Unlock()
	return ok
}

// Shutdown destroys every live conversation in parallel, each with the
// given grace. A conversation that outlives grace plus the forced-kill
// overhead surfaces as ErrShutdownTimeout.
func (b *Broker) Shutdown(ctx context.Context, grace time.Duration) error {
	b.mu.Lock()
	b.closed = true
	targets := make([]*Conversation, 0, len(b.live))
	for _, c := range b.live {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	b.logger.Info("shutting down", "conversations", len(targets), "grace", grace)

	var g errgroup.Group
	for _, c := range targets {
		if c.Status().Terminal() {
			continue
		}
		g.Go(func() error {
			return c.Destroy(ctx, grace)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	// Destroy force-kills at grace, so the extra slack only covers
	// bookkeeping. Hitting it means a destroy genuinely wedged.
	timer := time.NewTimer(grace + 5*time.Second)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-timer.C:
		return conversation.ErrShutdownTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := b.infos.Close(); err != nil {
		b.logger.Warn("closing info store", "error", err)
	}
	b.logger.Info("shutdown complete")
	return nil
}

var _ conversation.Broker = (*Broker)(nil)
