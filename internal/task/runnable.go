// ABOUTME: Runnable is the polymorphic, immutable body of a Task
// ABOUTME: Defines the run contract, the progress callback, and the tag registry

package task

import (
	"context"
	"encoding/json"

	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/variant"
)

// Prompter is the narrow slice of the agent collaborator a runnable may use:
// accept a prompt, or request cessation of the current activity.
type Prompter interface {
	Prompt(ctx context.Context, text string) error
	Stop()
}

// RunContext is handed to Runnable.Run by the executing conversation.
type RunContext interface {
	// ReportProgress updates the task's code/progress fields and emits a
	// task-progress event. Updates are dropped if the task is no longer
	// RUNNING, so a stale in-flight update cannot resurrect a finished task.
	ReportProgress(ctx context.Context, code string, progress float64)

	// TriggerEvent appends an event to the owning conversation's log.
	TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error)

	// Prompter returns the agent collaborator for this conversation.
	Prompter() Prompter
}

// Runnable describes what a task does when run. Implementations are
// immutable values owned by exactly one Task.
//
// Cancellation is cooperative: a cancellable runnable's ctx is cancelled
// when the task is asked to cancel, and Run must observe it at every
// suspension point. A non-cancellable runnable never has its ctx cancelled
// by a cancel request; only a forced termination during destroy reaches it.
type Runnable interface {
	variant.Tagged
	Cancellable() bool
	Run(ctx context.Context, rc RunContext) error
}

// Runnable discriminator tags.
const (
	KindTicker = "ticker"
	KindWait   = "wait"
	KindPrompt = "prompt"
)

// runnables is the static registry mapping tags to runnable decoders, built
// once at process start.
var runnables = variant.NewSet[Runnable]().
	Register(KindTicker, variant.As(func(r Ticker) Runnable { return r })).
	Register(KindWait, variant.As(func(r Wait) Runnable { return r })).
	Register(KindPrompt, variant.As(func(r Prompt) Runnable { return r }))

// EncodeRunnable marshals a runnable into its tagged envelope.
func EncodeRunnable(r Runnable) (json.RawMessage, error) {
	return runnables.Encode(r)
}

// DecodeRunnable resolves a tagged envelope into a concrete runnable.
// Unknown tags fail with variant.ErrUnknownKind.
func DecodeRunnable(raw json.RawMessage) (Runnable, error) {
	return runnables.Decode(raw)
}

// RunnableKinds returns every registered runnable tag.
func RunnableKinds() []string {
	return runnables.Kinds()
}
