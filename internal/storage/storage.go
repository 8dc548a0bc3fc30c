// ABOUTME: Generic keyed-item storage contract shared by every entity kind
// ABOUTME: Defines Storage[T], predicate filters, and the not-found sentinel

package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an update or read references an id that is
// not present in the store.
var ErrNotFound = errors.New("not found")

// DefaultPageSize bounds the number of results a single Search call returns.
const DefaultPageSize = 100

// Filter is a per-item predicate. A nil Filter matches everything.
type Filter[T any] func(T) bool

// Identity tells a store how to read and write an item's key and how to
// snapshot items. Stores own the canonical value; every item that crosses
// the store boundary goes through Clone so callers can never corrupt store
// state by mutating a returned value.
type Identity[T any] struct {
	Key     func(T) uuid.UUID
	WithKey func(T, uuid.UUID) T
	Clone   func(T) T
}

// Storage is a generic create/read/update/destroy/paged-search/count
// abstraction over a keyed item type.
type Storage[T any] interface {
	// Create assigns a fresh id to the item, stores it, and returns the id.
	Create(ctx context.Context, item T) (uuid.UUID, error)

	// Read returns the item with the given id, or ErrNotFound.
	Read(ctx context.Context, id uuid.UUID) (T, error)

	// Update replaces the stored item with the same id. Returns ErrNotFound
	// if the id is absent.
	Update(ctx context.Context, item T) error

	// Destroy removes the item with the given id. Returns true if the item
	// existed.
	Destroy(ctx context.Context, id uuid.UUID) (bool, error)

	// Search returns a page of items matching the filter, in insertion
	// order. The returned page carries a NextPageID iff strictly more
	// results remain.
	Search(ctx context.Context, filter Filter[T], pageID string) (Page[T], error)

	// Count returns the number of items matching the filter.
	Count(ctx context.Context, filter Filter[T]) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
