// ABOUTME: In-memory Storage[T] implementation with insertion-order search
// ABOUTME: Mutex-guarded map plus order slice, snapshots on every boundary crossing

package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStorage is the reference Storage[T] implementation. It holds the
// canonical values; Clone runs on every item entering or leaving the store.
type MemoryStorage[T any] struct {
	mu       sync.RWMutex
	items    map[uuid.UUID]T
	order    []uuid.UUID // insertion order, destroyed ids removed
	identity Identity[T]
	pageSize int
}

// MemoryOption configures a MemoryStorage.
type MemoryOption[T any] func(*MemoryStorage[T])

// WithPageSize overrides the maximum Search page size.
func WithPageSize[T any](n int) MemoryOption[T] {
	return func(s *MemoryStorage[T]) { s.pageSize = n }
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage[T any](identity Identity[T], opts ...MemoryOption[T]) *MemoryStorage[T] {
	s := &MemoryStorage[T]{
		items:    make(map[uuid.UUID]T),
		identity: identity,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStorage[T]) Create(ctx context.Context, item T) (uuid.UUID, error) {
	id := uuid.New()
	stored := s.identity.WithKey(s.identity.Clone(item), id)

	s.mu.Lock()
	s.items[id] = stored
	s.order = append(s.order, id)
	s.mu.Unlock()

	return id, nil
}

func (s *MemoryStorage[T]) Read(ctx context.Context, id uuid.UUID) (T, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return s.identity.Clone(item), nil
}

func (s *MemoryStorage[T]) Update(ctx context.Context, item T) error {
	id := s.identity.Key(item)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	s.items[id] = s.identity.Clone(item)
	return nil
}

func (s *MemoryStorage[T]) Destroy(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStorage[T]) Search(ctx context.Context, filter Filter[T], pageID string) (Page[T], error) {
	s.mu.RLock()
	matched := make([]T, 0, len(s.order))
	for _, id := range s.order {
		item := s.items[id]
		if filter == nil || filter(item) {
			matched = append(matched, s.identity.Clone(item))
		}
	}
	s.mu.RUnlock()

	return PaginateSlice(matched, pageID, s.pageSize)
}

func (s *MemoryStorage[T]) Count(ctx context.Context, filter Filter[T]) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		return len(s.order), nil
	}
	n := 0
	for _, id := range s.order {
		if filter(s.items[id]) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStorage[T]) Close() error {
	return nil
}
