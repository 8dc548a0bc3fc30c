// ABOUTME: The open set of event detail variants and their tag registry
// ABOUTME: New variants are added by registering a tag/decoder pair here

package event

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/variant"
)

// Detail is the polymorphic payload of an Event. Implementations are
// immutable values.
type Detail interface {
	variant.Tagged
}

// Detail discriminator tags.
const (
	KindStatusChanged  = "status_changed"
	KindTextReply      = "text_reply"
	KindPromptReceived = "prompt_received"
	KindTaskProgress   = "task_progress"
)

// StatusChanged records a conversation lifecycle transition.
type StatusChanged struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (StatusChanged) Kind() string { return KindStatusChanged }

// TextReply is a text message emitted by the agent.
type TextReply struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

func (TextReply) Kind() string { return KindTextReply }

// PromptReceived records a user message accepted into the conversation.
type PromptReceived struct {
	Text string `json:"text"`
}

func (PromptReceived) Kind() string { return KindPromptReceived }

// TaskProgress records a task status or progress change.
type TaskProgress struct {
	TaskID   uuid.UUID `json:"task_id"`
	Status   string    `json:"status"`
	Code     *string   `json:"code,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
}

func (TaskProgress) Kind() string { return KindTaskProgress }

// details is the static registry mapping tags to detail decoders, built once
// at process start.
var details = variant.NewSet[Detail]().
	Register(KindStatusChanged, variant.As(func(d StatusChanged) Detail { return d })).
	Register(KindTextReply, variant.As(func(d TextReply) Detail { return d })).
	Register(KindPromptReceived, variant.As(func(d PromptReceived) Detail { return d })).
	Register(KindTaskProgress, variant.As(func(d TaskProgress) Detail { return d }))

// EncodeDetail marshals a detail into its tagged envelope.
func EncodeDetail(d Detail) (json.RawMessage, error) {
	return details.Encode(d)
}

// DecodeDetail resolves a tagged envelope into a concrete detail. Unknown
// tags fail with variant.ErrUnknownKind.
func DecodeDetail(raw json.RawMessage) (Detail, error) {
	return details.Decode(raw)
}

// DetailKinds returns every registered detail tag.
func DetailKinds() []string {
	return details.Kinds()
}
