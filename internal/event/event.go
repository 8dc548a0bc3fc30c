// ABOUTME: Immutable, ordered, polymorphic events appended to a conversation log
// ABOUTME: Event envelopes carry a tagged Detail payload decoded via the registry

package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/storage"
)

// Event is an immutable record appended to a conversation's log. Events are
// never mutated after creation except to set HandledAt.
type Event struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Detail         Detail     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	HandledAt      *time.Time `json:"handled_at,omitempty"`
}

// eventWire is the JSON shape of an Event with the polymorphic detail held
// raw until the registry decodes it.
type eventWire struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Detail         json.RawMessage `json:"detail"`
	CreatedAt      time.Time       `json:"created_at"`
	HandledAt      *time.Time      `json:"handled_at,omitempty"`
}

// MarshalJSON encodes the event with its detail in tagged-envelope form.
func (e Event) MarshalJSON() ([]byte, error) {
	detail, err := EncodeDetail(e.Detail)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", e.ID, err)
	}
	return json.Marshal(eventWire{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Detail:         detail,
		CreatedAt:      e.CreatedAt,
		HandledAt:      e.HandledAt,
	})
}

// UnmarshalJSON decodes the event, resolving the detail through the
// registry. An unknown detail tag is a hard error.
func (e *Event) UnmarshalJSON(data []byte) error {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	detail, err := DecodeDetail(wire.Detail)
	if err != nil {
		return fmt.Errorf("event %s: %w", wire.ID, err)
	}
	*e = Event{
		ID:             wire.ID,
		ConversationID: wire.ConversationID,
		Detail:         detail,
		CreatedAt:      wire.CreatedAt,
		HandledAt:      wire.HandledAt,
	}
	return nil
}

// Identity is the storage identity for events. Details are immutable values,
// so cloning copies the envelope and the HandledAt pointer only.
var Identity = storage.Identity[Event]{
	Key:     func(e Event) uuid.UUID { return e.ID },
	WithKey: func(e Event, id uuid.UUID) Event { e.ID = id; return e },
	Clone: func(e Event) Event {
		if e.HandledAt != nil {
			at := *e.HandledAt
			e.HandledAt = &at
		}
		return e
	},
}

// Codec serializes events for row storage, routing details through the
// registry.
var Codec = storage.Codec[Event]{
	Marshal: func(e Event) ([]byte, error) { return json.Marshal(e) },
	Unmarshal: func(b []byte) (Event, error) {
		var e Event
		err := json.Unmarshal(b, &e)
		return e, err
	},
}
