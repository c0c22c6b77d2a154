package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/mailvec/ai/mock"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/index"
	"github.com/poiesic/mailvec/storage"
	"github.com/poiesic/mailvec/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDimension = 3

// contentEmbedder returns a mock embedder that maps each document's content
// to a fixed vector. Unknown content gets a deterministic generated vector.
func contentEmbedder(vectors map[string][]float32) *mock.MockEmbedder {
	lookup := func(text string) []float32 {
		for content, v := range vectors {
			if strings.HasSuffix(text, "\n\n"+content) {
				return v
			}
		}
		return mock.GenerateVector(text, testDimension)
	}
	embedder := mock.NewMockEmbedderWithDimension(testDimension)
	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return lookup(text), nil
	}
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		result := make([][]float32, len(texts))
		for i, text := range texts {
			result[i] = lookup(text)
		}
		return result, nil
	}
	return embedder
}

func setupTestStore(t *testing.T) storage.Store {
	store, err := badger.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func setupTestPipeline(t *testing.T, store storage.Store, embedder *mock.MockEmbedder, opts ...Option) *Pipeline {
	provider := mock.NewMockProviderWithEmbedder(embedder)
	opts = append([]Option{WithPoolSize(2), WithRetry(2, time.Millisecond)}, opts...)
	pipeline, err := NewPipeline(store, provider, opts...)
	require.NoError(t, err)
	t.Cleanup(pipeline.Release)
	return pipeline
}

func newDoc(id, conversationID, content string) *core.Document {
	return &core.Document{
		ID:             id,
		ConversationID: conversationID,
		Subject:        "subject " + id,
		Sender:         "sender@example.com",
		Content:        content,
		Raw:            []byte(`{"id":"` + id + `"}`),
	}
}

func assertVector(t *testing.T, want, got []float32) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "component %d", i)
	}
}

// failingStore fails ApplyBatch from the given call onward.
type failingStore struct {
	storage.Store
	failFrom int
	calls    atomic.Int32
}

func (f *failingStore) ApplyBatch(ctx context.Context, docs []*core.Document, merge storage.MergeFunc) ([]*core.Document, error) {
	if int(f.calls.Add(1)) >= f.failFrom {
		return nil, errors.New("disk full")
	}
	return f.Store.ApplyBatch(ctx, docs, merge)
}

func TestNewPipeline(t *testing.T) {
	store := setupTestStore(t)
	provider := mock.NewMockProvider()

	t.Run("valid pipeline", func(t *testing.T) {
		pipeline, err := NewPipeline(store, provider)
		require.NoError(t, err)
		require.NotNil(t, pipeline)
		defer pipeline.Release()

		assert.NotNil(t, pipeline.store)
		assert.NotNil(t, pipeline.embedder)
		assert.NotNil(t, pipeline.pool)
		assert.Equal(t, DefaultBatchSize, pipeline.batchSize)
		assert.Nil(t, pipeline.LastRun())
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := NewPipeline(nil, provider)
		assert.Equal(t, ErrStoreRequired, err)
	})

	t.Run("nil provider", func(t *testing.T) {
		_, err := NewPipeline(store, nil)
		assert.Equal(t, ErrAIProviderRequired, err)
	})

	t.Run("invalid batch size", func(t *testing.T) {
		_, err := NewPipeline(store, provider, WithBatchSize(0))
		assert.ErrorIs(t, err, ErrInvalidBatchSize)
	})

	t.Run("negative dimension", func(t *testing.T) {
		_, err := NewPipeline(store, provider, WithDimension(-1))
		assert.ErrorIs(t, err, ErrInvalidDimension)
	})
}

func TestPipeline_WithOptions(t *testing.T) {
	store := setupTestStore(t)
	provider := mock.NewMockProvider()

	t.Run("with pool size zero defaults to 1", func(t *testing.T) {
		pipeline, err := NewPipeline(store, provider, WithPoolSize(0))
		require.NoError(t, err)
		defer pipeline.Release()
		assert.Equal(t, 1, pipeline.pool.Cap())
	})

	t.Run("with nil logger falls back to default", func(t *testing.T) {
		pipeline, err := NewPipeline(store, provider, WithLogger(nil))
		require.NoError(t, err)
		defer pipeline.Release()
		assert.NotNil(t, pipeline.logger)
	})

	t.Run("with multiple options", func(t *testing.T) {
		pipeline, err := NewPipeline(store, provider,
			WithPoolSize(2),
			WithLogger(slog.Default()),
			WithBatchSize(10),
			WithDimension(8),
			WithRetry(0, time.Second),
		)
		require.NoError(t, err)
		defer pipeline.Release()

		assert.Equal(t, 2, pipeline.pool.Cap())
		assert.Equal(t, 10, pipeline.batchSize)
		assert.Equal(t, 8, pipeline.dimension)
		assert.Equal(t, 1, pipeline.maxRetries)
	})
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAuto, "auto": ModeAuto, "create": ModeCreate, "update": ModeUpdate} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMode("merge")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestPipeline_IncrementalAggregates(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	embedder := contentEmbedder(map[string][]float32{
		"first":  {1, 0, 0},
		"second": {0, 1, 0},
		"third":  {0, 0, 1},
	})
	pipeline := setupTestPipeline(t, store, embedder)

	result, err := pipeline.CreateAll(ctx, []*core.Document{
		newDoc("e1", "t1", "first"),
		newDoc("e2", "t1", "second"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewDocuments)
	assert.Equal(t, 1, result.Conversations)

	aggs, err := store.FetchConversationAggregates(ctx, "t1")
	require.NoError(t, err)
	require.Contains(t, aggs, "t1")
	assert.Equal(t, 2, aggs["t1"].EmailCount)
	assertVector(t, []float32{0.5, 0.5, 0}, aggs["t1"].Vector)

	result, err = pipeline.UpdateAll(ctx, []*core.Document{
		newDoc("e1", "t1", "first"),
		newDoc("e2", "t1", "second"),
		newDoc("e3", "t1", "third"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.NewDocuments)

	aggs, err = store.FetchConversationAggregates(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 3, aggs["t1"].EmailCount)
	assertVector(t, []float32{1.0 / 3, 1.0 / 3, 1.0 / 3}, aggs["t1"].Vector)
}

func TestPipeline_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(nil))

	docs := []*core.Document{
		newDoc("a", "t1", "alpha"),
		newDoc("b", "t1", "beta"),
		newDoc("c", "", "loose"),
	}

	_, err := pipeline.CreateOrUpdate(ctx, docs)
	require.NoError(t, err)

	before, err := store.ListAggregates(ctx)
	require.NoError(t, err)
	genBefore, err := store.Generation(ctx)
	require.NoError(t, err)

	for _, mode := range []Mode{ModeCreate, ModeUpdate, ModeAuto} {
		result, err := pipeline.Run(ctx, docs, mode)
		require.NoError(t, err, mode)
		assert.Zero(t, result.NewDocuments, mode)
	}

	after, err := store.ListAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	genAfter, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, genBefore, genAfter)

	count, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestPipeline_UngroupedDocumentsHaveNoAggregate(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(nil))

	result, err := pipeline.CreateAll(ctx, []*core.Document{newDoc("solo", "", "alone")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewDocuments)
	assert.Zero(t, result.Conversations)

	aggs, err := store.ListAggregates(ctx)
	require.NoError(t, err)
	assert.Empty(t, aggs)
}

func TestPipeline_DuplicateIDsFirstWins(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(map[string][]float32{
		"original":  {1, 0, 0},
		"duplicate": {0, 1, 0},
	}))

	result, err := pipeline.CreateAll(ctx, []*core.Document{
		newDoc("x", "t1", "original"),
		newDoc("x", "t1", "duplicate"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.NewDocuments)

	stored, err := store.GetDocuments(ctx, "x")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "original", stored[0].Content)

	aggs, err := store.FetchConversationAggregates(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, aggs["t1"].EmailCount)
	assertVector(t, []float32{1, 0, 0}, aggs["t1"].Vector)
}

func TestPipeline_Batches(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(nil), WithBatchSize(2))

	var docs []*core.Document
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		docs = append(docs, newDoc(id, "t1", "content "+id))
	}

	result, err := pipeline.CreateAll(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 5, result.NewDocuments)

	aggs, err := store.FetchConversationAggregates(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, aggs["t1"].EmailCount)
}

func TestPipeline_VectorsAreNormalized(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(map[string][]float32{
		"long": {3, 4, 0},
	}))

	_, err := pipeline.CreateAll(ctx, []*core.Document{newDoc("n", "", "long")})
	require.NoError(t, err)

	stored, err := store.GetDocuments(ctx, "n")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assertVector(t, []float32{0.6, 0.8, 0}, stored[0].Vector)
}

func TestPipeline_EncodeFailureStoresZeroVector(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	embedder := contentEmbedder(map[string][]float32{"good": {0, 1, 0}})
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, errors.New("batch endpoint unavailable")
	}
	goodText := embedder.EmbedTextFunc
	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		if strings.HasSuffix(text, "poison") {
			return nil, errors.New("rejected")
		}
		return goodText(ctx, text)
	}
	pipeline := setupTestPipeline(t, store, embedder)

	result, err := pipeline.CreateAll(ctx, []*core.Document{
		newDoc("ok", "t1", "good"),
		newDoc("bad", "t1", "poison"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewDocuments)
	assert.Equal(t, 1, result.EncodeFailures)

	stored, err := store.GetDocuments(ctx, "ok", "bad")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assertVector(t, []float32{0, 1, 0}, stored[0].Vector)
	assertVector(t, []float32{0, 0, 0}, stored[1].Vector)

	// The zero vector still counts toward the conversation mean.
	aggs, err := store.FetchConversationAggregates(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, aggs["t1"].EmailCount)
	assertVector(t, []float32{0, 0.5, 0}, aggs["t1"].Vector)
}

func TestPipeline_WrongDimensionRetriedPerDocument(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	embedder := contentEmbedder(map[string][]float32{"short": {1, 0, 0}})
	batch := embedder.EmbedTextsFunc
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		vectors, err := batch(ctx, texts)
		vectors[0] = []float32{1, 0}
		return vectors, err
	}
	pipeline := setupTestPipeline(t, store, embedder)

	result, err := pipeline.CreateAll(ctx, []*core.Document{newDoc("s", "", "short")})
	require.NoError(t, err)
	assert.Zero(t, result.EncodeFailures)

	stored, err := store.GetDocuments(ctx, "s")
	require.NoError(t, err)
	assertVector(t, []float32{1, 0, 0}, stored[0].Vector)
}

func TestPipeline_UpsertError(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: setupTestStore(t), failFrom: 2}
	pipeline := setupTestPipeline(t, store, contentEmbedder(nil), WithBatchSize(1))

	result, err := pipeline.CreateAll(ctx, []*core.Document{
		newDoc("a", "t1", "one"),
		newDoc("b", "t1", "two"),
		newDoc("c", "t1", "three"),
	})
	require.Error(t, err)

	var upsertErr *core.UpsertError
	require.ErrorAs(t, err, &upsertErr)
	assert.Equal(t, 2, upsertErr.Batch)
	assert.Equal(t, 1, upsertErr.Documents)
	assert.Equal(t, 1, result.NewDocuments)

	// The first batch stays committed.
	count, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	last := pipeline.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, err, last.Err)
}

func TestPipeline_CancelledContext(t *testing.T) {
	store := setupTestStore(t)
	embedder := contentEmbedder(nil)
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, ctx.Err()
	}
	pipeline := setupTestPipeline(t, store, embedder, WithDimension(testDimension))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.CreateAll(ctx, []*core.Document{newDoc("a", "t1", "one")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPipeline_DetectsDimension(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(nil))

	_, err := pipeline.CreateAll(ctx, []*core.Document{newDoc("a", "", "one")})
	require.NoError(t, err)

	dim, err := store.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDimension, dim)
}

func TestPipeline_IngestFile(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	pipeline := setupTestPipeline(t, store, contentEmbedder(nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "mail.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
	  {"conversation_id": "t1", "emails": [
	    {"id": "m1", "subject": "Hi", "from": "a@example.com", "content": "hello"},
	    {"id": "m2", "subject": "Re: Hi", "from": "b@example.com", "content": "hey"}
	  ]}
	]`), 0o600))

	result, err := pipeline.IngestFile(ctx, path, ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, ModeCreate, result.Mode)
	assert.Equal(t, 2, result.NewDocuments)

	result, err = pipeline.IngestFile(ctx, path, ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, ModeUpdate, result.Mode)
	assert.Zero(t, result.Candidates)

	t.Run("load error writes nothing", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{"not": "an array"}`), 0o600))

		_, err := pipeline.IngestFile(ctx, bad, ModeCreate)
		var loadErr *core.LoadError
		require.ErrorAs(t, err, &loadErr)

		count, err := store.CountDocuments(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestPipeline_RebuildsIndexes(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	docs, err := index.NewManager(index.DocumentSource(store))
	require.NoError(t, err)
	convs, err := index.NewManager(index.ConversationSource(store), index.WithName("conversations"))
	require.NoError(t, err)

	pipeline := setupTestPipeline(t, store, contentEmbedder(nil), WithIndexes(docs, convs))

	_, err = pipeline.CreateAll(ctx, []*core.Document{
		newDoc("a", "t1", "one"),
		newDoc("b", "t2", "two"),
		newDoc("c", "", "three"),
	})
	require.NoError(t, err)

	gen, err := store.Generation(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, docs.Current().Len())
	assert.Equal(t, gen, docs.Current().Generation())
	assert.Equal(t, 2, convs.Current().Len())
	assert.Equal(t, int64(1), docs.Stats().Rebuilds)
}

func TestPipeline_Release(t *testing.T) {
	store := setupTestStore(t)
	pipeline, err := NewPipeline(store, mock.NewMockProvider())
	require.NoError(t, err)

	// Release should not panic
	pipeline.Release()

	// Multiple releases should not panic
	pipeline.Release()
}
