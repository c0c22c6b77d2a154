package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/poiesic/mailvec/storage"
	"github.com/poiesic/mailvec/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) storage.Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "mailvec.sqlite"))
	require.NoError(t, err)
	return store
}

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, openTemp)
}

func TestMetadataBeforeSchema(t *testing.T) {
	store := openTemp(t)
	defer store.Close()
	ctx := context.Background()

	dim, err := store.Dimension(ctx)
	require.NoError(t, err)
	assert.Zero(t, dim)

	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailvec.sqlite")
	ctx := context.Background()

	store, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx, storetest.Dimension))
	_, err = store.UpsertDocuments(ctx, storetest.NewDocument("e1", "c1"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnsureSchema(ctx, storetest.Dimension))
	count, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
}

func TestClosedStore(t *testing.T) {
	store := openTemp(t)
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Ping(context.Background()), storage.ErrStorageClosed)
}

func TestChunks(t *testing.T) {
	ids := make([]string, maxParams*2+1)
	for i := range ids {
		ids[i] = "x"
	}
	parts := chunks(ids)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], maxParams)
	assert.Len(t, parts[2], 1)
	assert.Empty(t, chunks(nil))
	assert.Equal(t, "?,?,?", placeholders(3))
}
