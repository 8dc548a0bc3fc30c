// ABOUTME: Abstract ConversationBroker contract: lifecycle authority over conversations
// ABOUTME: Broker listeners observe creation, destruction, and the full event firehose

package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/agent"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/storage"
)

// BrokerListener observes broker-level lifecycle plus every event on every
// conversation (the firehose view).
type BrokerListener interface {
	AfterCreateConversation(ctx context.Context, info Info)
	BeforeDestroyConversation(ctx context.Context, info Info)
	OnEvent(ctx context.Context, ev event.Event)
}

// BrokerListenerFuncs adapts optional funcs to BrokerListener; nil fields
// are no-ops.
type BrokerListenerFuncs struct {
	AfterCreate   func(ctx context.Context, info Info)
	BeforeDestroy func(ctx context.Context, info Info)
	Event         func(ctx context.Context, ev event.Event)
}

func (f BrokerListenerFuncs) AfterCreateConversation(ctx context.Context, info Info) {
	if f.AfterCreate != nil {
		f.AfterCreate(ctx, info)
	}
}

func (f BrokerListenerFuncs) BeforeDestroyConversation(ctx context.Context, info Info) {
	if f.BeforeDestroy != nil {
		f.BeforeDestroy(ctx, info)
	}
}

func (f BrokerListenerFuncs) OnEvent(ctx context.Context, ev event.Event) {
	if f.Event != nil {
		f.Event(ctx, ev)
	}
}

// Broker creates, looks up, enumerates, and destroys conversations.
type Broker interface {
	// CreateConversation constructs a conversation in CREATING, notifies
	// after-create listeners, and returns immediately; the transition to
	// READY happens in the background and emits a status-changed event.
	CreateConversation(ctx context.Context, cfg agent.Config) (Conversation, error)

	// GetConversation returns the conversation with the given id, or
	// storage.ErrNotFound.
	GetConversation(ctx context.Context, id uuid.UUID) (Conversation, error)

	SearchConversations(ctx context.Context, filter *Filter, pageID string) (storage.Page[Info], error)
	CountConversations(ctx context.Context, filter *Filter) (int, error)

	// DestroyConversation no-ops with false if the conversation is absent
	// or already DESTROYING/DESTROYED; otherwise it notifies
	// before-destroy listeners and delegates to Conversation.Destroy.
	DestroyConversation(ctx context.Context, id uuid.UUID, grace time.Duration) (bool, error)

	AddListener(l BrokerListener) uuid.UUID
	RemoveListener(id uuid.UUID) bool

	// Shutdown destroys every live conversation within the grace period.
	// Conversations that fail to finish in time surface as a timeout
	// error, never silently.
	Shutdown(ctx context.Context, grace time.Duration) error
}
