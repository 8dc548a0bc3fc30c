// ABOUTME: Tagged-union codec for open variant sets (event details, runnables)
// ABOUTME: Static tag->decoder registry; unknown tags are a hard decode error

package variant

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownKind is returned when a payload carries a tag no decoder was
// registered for.
var ErrUnknownKind = errors.New("unknown kind")

// Tagged is implemented by every variant of an open payload set. Kind
// returns the discriminator tag included in the wire envelope.
type Tagged interface {
	Kind() string
}

// DecodeFunc turns the raw envelope body back into a concrete variant.
type DecodeFunc[T Tagged] func(json.RawMessage) (T, error)

// Set maps discriminator tags to variant decoders. Sets are built once at
// process start; there is no runtime type discovery.
type Set[T Tagged] struct {
	decoders map[string]DecodeFunc[T]
}

// NewSet creates an empty variant set.
func NewSet[T Tagged]() *Set[T] {
	return &Set[T]{decoders: make(map[string]DecodeFunc[T])}
}

// Register adds a tag/decoder pair. Registering the same tag twice panics:
// that is a wiring bug, not a runtime condition.
func (s *Set[T]) Register(kind string, decode DecodeFunc[T]) *Set[T] {
	if _, dup := s.decoders[kind]; dup {
		panic(fmt.Sprintf("variant: duplicate kind %q", kind))
	}
	s.decoders[kind] = decode
	return s
}

// Decode unmarshals a variant from its JSON envelope. The envelope's "type"
// field selects the decoder; an unregistered tag fails with ErrUnknownKind.
func (s *Set[T]) Decode(data []byte) (T, error) {
	var zero T
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return zero, fmt.Errorf("decoding envelope: %w", err)
	}
	if envelope.Type == "" {
		return zero, fmt.Errorf("%w: missing type tag", ErrUnknownKind)
	}
	decode, ok := s.decoders[envelope.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Type)
	}
	return decode(data)
}

// Encode marshals a variant into its JSON envelope, always including the
// "type" tag.
func (s *Set[T]) Encode(v T) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", v.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encoding %q: variant must marshal to an object: %w", v.Kind(), err)
	}
	tag, err := json.Marshal(v.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = tag
	return json.Marshal(fields)
}

// Kinds returns every registered tag, sorted. Used by the schema endpoint.
func (s *Set[T]) Kinds() []string {
	kinds := make([]string, 0, len(s.decoders))
	for kind := range s.decoders {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// As adapts a concrete variant type into a DecodeFunc. V must be the value
// form of a variant implementing T.
func As[T Tagged, V any](conv func(V) T) DecodeFunc[T] {
	return func(raw json.RawMessage) (T, error) {
		var zero T
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, err
		}
		return conv(v), nil
	}
}
