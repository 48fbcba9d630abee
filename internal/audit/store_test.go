package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mattjoyce/draftvault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "wb1", "publish", map[string]any{"checkpoint_id": "cp1"}))
	require.NoError(t, store.Record(ctx, "wb1", "discard", nil))
	require.NoError(t, store.Record(ctx, "wb2", "restore", map[string]any{"checkpoint_id": "cp9"}))

	events, err := store.List(ctx, "wb1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, "discard", events[0].Action)
	assert.Equal(t, "publish", events[1].Action)
	assert.JSONEq(t, `{"checkpoint_id":"cp1"}`, string(events[1].Detail))

	other, err := store.List(ctx, "wb2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "restore", other[0].Action)
}

func TestRecordValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.Record(ctx, "", "publish", nil))
	assert.Error(t, store.Record(ctx, "wb1", "", nil))
}
