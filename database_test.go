package mailvec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/poiesic/mailvec/ai/mock"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/reembed"
	"github.com/poiesic/mailvec/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDatabase(t *testing.T, opts ...DatabaseOption) *Database {
	t.Helper()
	opts = append([]DatabaseOption{WithAIProvider(mock.NewMockProvider())}, opts...)
	db, err := NewDatabase(filepath.Join(t.TempDir(), "test_db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testDocuments() []*core.Document {
	return []*core.Document{
		{ID: "e1", ConversationID: "t1", Subject: "Budget", Sender: "ann@example.com", Content: "Q3 budget review"},
		{ID: "e2", ConversationID: "t1", Subject: "Re: Budget", Sender: "bob@example.com", Content: "Numbers attached"},
		{ID: "e3", ConversationID: "t2", Subject: "Offsite", Sender: "cid@example.com", Content: "Venue options"},
	}
}

func TestNewDatabase(t *testing.T) {
	t.Run("create new database", func(t *testing.T) {
		tmpDir := filepath.Join(t.TempDir(), "test_db")
		db, err := NewDatabase(tmpDir)
		require.NoError(t, err)
		require.NotNil(t, db)
		defer db.Close()

		// Verify components are initialized
		assert.NotNil(t, db.Store())
		documents, conversations := db.Indexes()
		assert.NotNil(t, documents)
		assert.NotNil(t, conversations)
		assert.NotNil(t, db.logger)
	})

	t.Run("error with invalid path", func(t *testing.T) {
		// Try to create a database at a file path instead of directory
		tmpFile := filepath.Join(t.TempDir(), "not_a_dir")
		err := os.WriteFile(tmpFile, []byte("test"), 0644)
		require.NoError(t, err)

		db, err := NewDatabase(tmpFile, WithStoreOptions(storage.WithConnectRetry(1, 0)))
		assert.Error(t, err)
		assert.Nil(t, db)

		var connErr *core.ConnectionError
		assert.True(t, errors.As(err, &connErr))
	})

	t.Run("unknown driver", func(t *testing.T) {
		db, err := NewDatabase(t.TempDir(), WithDriver("mongo"))
		assert.ErrorIs(t, err, storage.ErrUnknownDriver)
		assert.Nil(t, db)
	})

	t.Run("sqlite driver", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mail.sqlite")
		db, err := NewDatabase(path, WithDriver(DriverSQLite), WithAIProvider(mock.NewMockProvider()))
		require.NoError(t, err)
		defer db.Close()

		require.NoError(t, db.Store().Ping(context.Background()))
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})
}

func TestDatabase_Close(t *testing.T) {
	provider := mock.NewMockProvider()
	db, err := NewDatabase(t.TempDir(), WithAIProvider(provider))
	require.NoError(t, err)
	require.NotNil(t, db)

	// Close the database
	err = db.Close()
	assert.NoError(t, err)
	assert.True(t, provider.(*mock.MockProvider).Closed())
	assert.ErrorIs(t, db.Store().Ping(context.Background()), storage.ErrStorageClosed)
}

func TestDatabase_FactoryMethods(t *testing.T) {
	db := openTestDatabase(t)

	t.Run("can create ingestion pipeline", func(t *testing.T) {
		pipeline, err := db.NewIngestionPipeline()
		require.NoError(t, err)
		require.NotNil(t, pipeline)
		pipeline.Release()
	})

	t.Run("can create searcher", func(t *testing.T) {
		searcher, err := db.NewSearcher()
		require.NoError(t, err)
		require.NotNil(t, searcher)

		documents, conversations := db.Indexes()
		assert.Same(t, documents, searcher.Documents())
		assert.Same(t, conversations, searcher.Conversations())
	})

	t.Run("can create reembedder", func(t *testing.T) {
		assert.NotNil(t, db.NewReembedder(nil, nil))
	})
}

func TestDatabase_IngestThenSearch(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	pipeline, err := db.NewIngestionPipeline()
	require.NoError(t, err)
	defer pipeline.Release()

	docs := testDocuments()
	result, err := pipeline.CreateOrUpdate(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewDocuments)
	assert.Equal(t, 2, result.Conversations)

	// The pipeline rebuilt the shared index, so the searcher needs no rebuild
	documents, _ := db.Indexes()
	assert.Equal(t, 3, documents.Stats().Size)

	searcher, err := db.NewSearcher()
	require.NoError(t, err)

	results, err := searcher.Search(ctx, docs[2].EmbeddingText(), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "e3", results[0].Document.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-5)
	assert.Equal(t, int64(1), documents.Stats().Rebuilds)

	threads, err := searcher.SearchConversations(ctx, docs[2].EmbeddingText(), 5)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "t2", threads[0].Aggregate.ConversationID)
}

func TestDatabase_Health(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	t.Run("before any ingestion", func(t *testing.T) {
		report, err := db.Health(ctx)
		require.NoError(t, err)
		assert.True(t, report.Healthy())
		assert.True(t, report.Ready())
		assert.Nil(t, report.LastRun)
		assert.Zero(t, report.Documents)
	})

	t.Run("after ingestion", func(t *testing.T) {
		pipeline, err := db.NewIngestionPipeline()
		require.NoError(t, err)
		defer pipeline.Release()

		_, err = pipeline.CreateOrUpdate(ctx, testDocuments())
		require.NoError(t, err)

		report, err := db.Health(ctx)
		require.NoError(t, err)
		assert.True(t, report.Ready())
		assert.Equal(t, 3, report.Documents)
		assert.Equal(t, report.Generation, report.DocumentIndex.Generation)
		assert.Equal(t, 3, report.DocumentIndex.Size)
		assert.Equal(t, 2, report.ConversationIndex.Size)
		require.NotNil(t, report.LastRun)
		assert.NoError(t, report.LastRun.Err)
		assert.Equal(t, 3, report.LastRun.Result.NewDocuments)
	})

	t.Run("stale index is not ready", func(t *testing.T) {
		_, err := db.Store().UpsertDocuments(ctx, &core.Document{
			ID:     "late",
			Vector: mock.GenerateVector("late", mock.DefaultDimension),
		})
		require.NoError(t, err)

		report, err := db.Health(ctx)
		require.NoError(t, err)
		assert.True(t, report.Healthy())
		assert.False(t, report.Ready())
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := db.Health(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDatabase_HealthClosedStore(t *testing.T) {
	db, err := NewDatabase(t.TempDir(), WithAIProvider(mock.NewMockProvider()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	report, err := db.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy())
	assert.False(t, report.Ready())
	assert.ErrorIs(t, report.StoreErr, storage.ErrStorageClosed)
}

func TestDatabase_Reembed(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)

	pipeline, err := db.NewIngestionPipeline()
	require.NoError(t, err)
	defer pipeline.Release()
	_, err = pipeline.CreateOrUpdate(ctx, testDocuments())
	require.NoError(t, err)

	before, err := db.Store().Generation(ctx)
	require.NoError(t, err)

	config := reembed.DefaultConfig()
	config.RetryDelay = 0
	require.NoError(t, db.NewReembedder(config, nil).Run(ctx))

	after, err := db.Store().Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}
