package remotecache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := Open("sqlite3", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStorePutGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entry := Entry{
		Hash:         "deadbeef",
		Name:         "add greeting",
		Authors:      []string{"alice", "bob"},
		Timestamp:    1700000000,
		Dependencies: []string{"aaaa", "bbbb"},
		SizeBytes:    128,
		FetchedAt:    1700000100,
	}
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Get(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, entry.Name, got.Name)
	assert.Equal(t, entry.Authors, got.Authors)
	assert.Equal(t, entry.Dependencies, got.Dependencies)
	assert.False(t, got.Applied)
}

func TestSQLiteStoreGetMissingReturnsErrNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorePendingExcludesApplied(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Entry{Hash: "h1", FetchedAt: 1}))
	require.NoError(t, store.Put(ctx, Entry{Hash: "h2", FetchedAt: 2}))
	require.NoError(t, store.MarkApplied(ctx, "h1"))

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "h2", pending[0].Hash)
}

func TestSQLiteStoreDeleteRemovesEntry(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, Entry{Hash: "h1", FetchedAt: 1}))
	require.NoError(t, store.Delete(ctx, "h1"))

	_, err := store.Get(ctx, "h1")
	assert.ErrorIs(t, err, ErrNotFound)
}
