// ABOUTME: Tests for MemoryStorage CRUD, pagination, and snapshot isolation
// ABOUTME: Also covers page-cursor round-trips for all offsets

package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	ID   uuid.UUID
	Text string
	Tags []string
}

var noteIdentity = Identity[note]{
	Key:     func(n note) uuid.UUID { return n.ID },
	WithKey: func(n note, id uuid.UUID) note { n.ID = id; return n },
	Clone: func(n note) note {
		n.Tags = append([]string(nil), n.Tags...)
		return n
	},
}

func newNoteStore(opts ...MemoryOption[note]) *MemoryStorage[note] {
	return NewMemoryStorage(noteIdentity, opts...)
}

func TestMemoryStorage_CreateAssignsID(t *testing.T) {
	s := newNoteStore()
	ctx := context.Background()

	id, err := s.Create(ctx, note{Text: "hello"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, id, got.ID)
}

func TestMemoryStorage_ReadMissingReturnsNotFound(t *testing.T) {
	s := newNoteStore()

	_, err := s.Read(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_UpdateMissingReturnsNotFound(t *testing.T) {
	s := newNoteStore()

	err := s.Update(context.Background(), note{ID: uuid.New(), Text: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_UpdateReplacesValue(t *testing.T) {
	s := newNoteStore()
	ctx := context.Background()

	id, err := s.Create(ctx, note{Text: "v1"})
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, note{ID: id, Text: "v2"}))

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Text)
}

func TestMemoryStorage_Destroy(t *testing.T) {
	s := newNoteStore()
	ctx := context.Background()

	id, err := s.Create(ctx, note{Text: "doomed"})
	require.NoError(t, err)

	existed, err := s.Destroy(ctx, id)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Destroy(ctx, id)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Read(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorage_CallersCannotCorruptStoreState(t *testing.T) {
	s := newNoteStore()
	ctx := context.Background()

	original := note{Text: "pristine", Tags: []string{"a"}}
	id, err := s.Create(ctx, original)
	require.NoError(t, err)

	// Mutating the value passed in must not affect the stored copy.
	original.Tags[0] = "mangled"

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Tags)

	// Mutating a returned value must not affect the stored copy either.
	got.Tags[0] = "mangled"

	again, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Tags)
}

func TestMemoryStorage_SearchPagesReproduceInsertionOrder(t *testing.T) {
	const total = 10
	const pageSize = 3

	s := newNoteStore(WithPageSize[note](pageSize))
	ctx := context.Background()

	for i := 0; i < total; i++ {
		_, err := s.Create(ctx, note{Text: fmt.Sprintf("n%02d", i)})
		require.NoError(t, err)
	}

	var collected []string
	pageID := ""
	for {
		page, err := s.Search(ctx, nil, pageID)
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Results), pageSize)
		for _, n := range page.Results {
			collected = append(collected, n.Text)
		}
		if page.NextPageID == nil {
			break
		}
		pageID = *page.NextPageID
	}

	require.Len(t, collected, total)
	for i, text := range collected {
		assert.Equal(t, fmt.Sprintf("n%02d", i), text)
	}
}

func TestMemoryStorage_SearchExactMultipleOfPageSizeHasNoTrailingCursor(t *testing.T) {
	s := newNoteStore(WithPageSize[note](2))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.Create(ctx, note{Text: "x"})
		require.NoError(t, err)
	}

	page, err := s.Search(ctx, nil, "")
	require.NoError(t, err)
	require.NotNil(t, page.NextPageID)

	page, err = s.Search(ctx, nil, *page.NextPageID)
	require.NoError(t, err)
	assert.Len(t, page.Results, 2)
	assert.Nil(t, page.NextPageID, "last page must not carry a cursor")
}

func TestMemoryStorage_SearchWithFilter(t *testing.T) {
	s := newNoteStore()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		text := "even"
		if i%2 == 1 {
			text = "odd"
		}
		_, err := s.Create(ctx, note{Text: text})
		require.NoError(t, err)
	}

	odd := func(n note) bool { return n.Text == "odd" }

	page, err := s.Search(ctx, odd, "")
	require.NoError(t, err)
	assert.Len(t, page.Results, 3)

	count, err := s.Count(ctx, odd)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, count)
}

func TestPageCursor_RoundTrip(t *testing.T) {
	const totalItems = 257
	for offset := 0; offset <= totalItems; offset++ {
		decoded, err := DecodePageID(EncodePageID(offset))
		require.NoError(t, err)
		require.Equal(t, offset, decoded)
	}
}

func TestPageCursor_EmptyMeansZero(t *testing.T) {
	offset, err := DecodePageID("")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)
}

func TestPageCursor_Garbage(t *testing.T) {
	for _, bad := range []string{"not-base64!!", "aGVsbG8=", EncodePageID(-1)} {
		_, err := DecodePageID(bad)
		assert.Error(t, err, "cursor %q should be rejected", bad)
	}
}
