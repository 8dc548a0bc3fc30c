// ABOUTME: Tests for SQLiteStorage against a temp-file database
// ABOUTME: Covers CRUD, insertion-order paging, and codec round-trips

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noteCodec = Codec[note]{
	Marshal: func(n note) ([]byte, error) { return json.Marshal(n) },
	Unmarshal: func(b []byte) (note, error) {
		var n note
		err := json.Unmarshal(b, &n)
		return n, err
	},
}

func newSQLiteNoteStore(t *testing.T) *SQLiteStorage[note] {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStorage(db, "notes", noteIdentity, noteCodec)
	require.NoError(t, err)
	return s
}

func TestSQLiteStorage_CRUD(t *testing.T) {
	s := newSQLiteNoteStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, note{Text: "hello", Tags: []string{"a", "b"}})
	require.NoError(t, err)

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, []string{"a", "b"}, got.Tags)

	got.Text = "updated"
	require.NoError(t, s.Update(ctx, got))

	got, err = s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Text)

	existed, err := s.Destroy(ctx, id)
	require.NoError(t, err)
	assert.True(t, existed)

	_, err = s.Read(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorage_UpdateMissingReturnsNotFound(t *testing.T) {
	s := newSQLiteNoteStore(t)

	err := s.Update(context.Background(), note{ID: uuid.New(), Text: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorage_SearchPreservesInsertionOrder(t *testing.T) {
	s := newSQLiteNoteStore(t)
	ctx := context.Background()

	const total = 7
	for i := 0; i < total; i++ {
		_, err := s.Create(ctx, note{Text: fmt.Sprintf("n%d", i)})
		require.NoError(t, err)
	}

	page, err := s.Search(ctx, nil, "")
	require.NoError(t, err)
	require.Len(t, page.Results, total)
	for i, n := range page.Results {
		assert.Equal(t, fmt.Sprintf("n%d", i), n.Text)
	}

	count, err := s.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, total, count)
}

func TestSQLiteStorage_RejectsBadTableName(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLiteStorage(db, "Robert'); DROP TABLE", noteIdentity, noteCodec)
	assert.Error(t, err)
}
