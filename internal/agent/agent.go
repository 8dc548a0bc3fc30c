// ABOUTME: The agent collaborator contract consumed by the broker
// ABOUTME: Two methods only: accept a prompt, request a stop

package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/event"
)

// Eventer is the slice of a conversation an agent emits replies through.
type Eventer interface {
	ID() uuid.UUID
	TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error)
}

// Agent is the external collaborator that does the actual LLM work. The
// broker only consumes this two-method contract; everything behind it is
// out of scope.
type Agent interface {
	// Prompt accepts a user message and asynchronously emits reply events
	// on the conversation.
	Prompt(ctx context.Context, text string, conv Eventer) error

	// Stop requests cessation of the current activity.
	Stop()
}

// Factory builds an agent for a newly created conversation.
type Factory func(cfg Config) (Agent, error)
