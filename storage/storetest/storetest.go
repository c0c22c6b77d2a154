// Package storetest holds the behavioral tests every storage.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Dimension is the vector dimension the suite creates stores with.
const Dimension = 3

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.Store

// Run executes the full suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, store storage.Store)
	}{
		{"EnsureSchemaIsIdempotent", testEnsureSchema},
		{"UpsertDocumentsFirstWriteWins", testUpsertFirstWriteWins},
		{"DocumentRoundTrip", testDocumentRoundTrip},
		{"GetDocumentsPreservesOrder", testGetDocuments},
		{"ListDocumentsByDate", testListDocuments},
		{"ForEachEmbedding", testForEachEmbedding},
		{"UpdateEmbeddings", testUpdateEmbeddings},
		{"Aggregates", testAggregates},
		{"ApplyBatch", testApplyBatch},
		{"ApplyBatchRollsBack", testApplyBatchRollback},
	}

	t.Run("EmptyBeforeEnsureSchema", func(t *testing.T) {
		store := open(t)
		defer store.Close()
		testEmptyBeforeSchema(t, store)
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			require.NoError(t, store.EnsureSchema(context.Background(), Dimension))
			tt.fn(t, store)
		})
	}
}

// NewDocument builds a document with a fixed vector.
func NewDocument(id, conversationID string, vector ...float32) *core.Document {
	if len(vector) == 0 {
		vector = []float32{1, 0, 0}
	}
	return &core.Document{
		ID:             id,
		ConversationID: conversationID,
		Subject:        "subject " + id,
		Sender:         "sender@example.com",
		Content:        "content " + id,
		Raw:            []byte(`{"id":"` + id + `"}`),
		Vector:         vector,
	}
}

func ids(docs []*core.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.ID
	}
	return out
}

// A store nothing was ingested into reads as empty.
func testEmptyBeforeSchema(t *testing.T, store storage.Store) {
	ctx := context.Background()

	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Zero(t, gen)

	count, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	existing, err := store.FetchExistingIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, existing)

	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = store.GetDocuments(ctx, "e1")
	require.NoError(t, err)
	assert.Empty(t, docs)

	calls := 0
	require.NoError(t, store.ForEachEmbedding(ctx, func(string, []float32) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)

	aggs, err := store.ListAggregates(ctx)
	require.NoError(t, err)
	assert.Empty(t, aggs)

	byID, err := store.FetchConversationAggregates(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, byID)
}

func testEnsureSchema(t *testing.T, store storage.Store) {
	ctx := context.Background()

	require.NoError(t, store.EnsureSchema(ctx, Dimension))
	dim, err := store.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, Dimension, dim)

	err = store.EnsureSchema(ctx, Dimension+1)
	assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	assert.ErrorIs(t, store.EnsureSchema(ctx, 0), storage.ErrInvalidDimension)
	require.NoError(t, store.Ping(ctx))
}

func testUpsertFirstWriteWins(t *testing.T, store storage.Store) {
	ctx := context.Background()

	gen0, err := store.Generation(ctx)
	require.NoError(t, err)

	first := NewDocument("e1", "c1")
	inserted, err := store.UpsertDocuments(ctx, first, NewDocument("e2", "c1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids(inserted))

	gen1, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, gen1, gen0)

	changed := NewDocument("e1", "c1", 0, 1, 0)
	changed.Subject = "rewritten"
	dup := NewDocument("e3", "c2")
	dupAgain := NewDocument("e3", "c2", 0, 0, 1)
	inserted, err = store.UpsertDocuments(ctx, changed, dup, dupAgain)
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, ids(inserted))

	docs, err := store.GetDocuments(ctx, "e1", "e3")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, first.Subject, docs[0].Subject)
	assert.Equal(t, first.Vector, docs[0].Vector)
	assert.Equal(t, dup.Vector, docs[1].Vector)

	inserted, err = store.UpsertDocuments(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, inserted)
	gen2, err := store.Generation(ctx)
	require.NoError(t, err)
	inserted, err = store.UpsertDocuments(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, inserted)
	gen3, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, gen2, gen3, "a write that inserts nothing keeps the generation")

	existing, err := store.FetchExistingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"e1": {}, "e2": {}, "e3": {}}, existing)

	count, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func testDocumentRoundTrip(t *testing.T, store storage.Store) {
	ctx := context.Background()
	ts := time.Date(2024, 3, 9, 14, 30, 15, 123456000, time.UTC)
	order := 2

	doc := &core.Document{
		ID:             "e1",
		ConversationID: "c1",
		Subject:        "Lunch?",
		Sender:         "bo@example.com",
		Content:        "Noon at the usual place.",
		Timestamp:      &ts,
		Order:          &order,
		Raw:            []byte(`{"id":"e1","conversation_id":"c1","subject":"Lunch?"}`),
		Vector:         []float32{0.6, 0.8, 0},
	}
	undated := &core.Document{ID: "e2", Vector: []float32{0, 0, 0}, Raw: []byte(`{"id":"e2"}`)}

	_, err := store.UpsertDocuments(ctx, doc, undated)
	require.NoError(t, err)

	docs, err := store.GetDocuments(ctx, "e1", "e2")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	got := docs[0]
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, doc.ConversationID, got.ConversationID)
	assert.Equal(t, doc.Subject, got.Subject)
	assert.Equal(t, doc.Sender, got.Sender)
	assert.Equal(t, doc.Content, got.Content)
	require.NotNil(t, got.Timestamp)
	assert.True(t, ts.Equal(*got.Timestamp))
	require.NotNil(t, got.Order)
	assert.Equal(t, order, *got.Order)
	assert.JSONEq(t, string(doc.Raw), string(got.Raw))
	assert.Equal(t, doc.Vector, got.Vector)

	assert.Empty(t, docs[1].ConversationID)
	assert.Nil(t, docs[1].Timestamp)
	assert.Nil(t, docs[1].Order)
	assert.Equal(t, []float32{0, 0, 0}, docs[1].Vector)
}

func testGetDocuments(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.UpsertDocuments(ctx, NewDocument("a", "c"), NewDocument("b", "c"), NewDocument("c", "c"))
	require.NoError(t, err)

	docs, err := store.GetDocuments(ctx, "c", "missing", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(docs))

	docs, err = store.GetDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testListDocuments(t *testing.T, store storage.Store) {
	ctx := context.Background()
	early := time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC)
	mid := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	withDate := func(doc *core.Document, ts *time.Time) *core.Document {
		doc.Timestamp = ts
		return doc
	}
	_, err := store.UpsertDocuments(ctx,
		withDate(NewDocument("z-undated", "c1"), nil),
		withDate(NewDocument("late", "c1"), &late),
		withDate(NewDocument("b-mid", "c2"), &mid),
		withDate(NewDocument("a-undated", "c2"), nil),
		withDate(NewDocument("a-mid", "c1"), &mid),
		withDate(NewDocument("early", ""), &early),
	)
	require.NoError(t, err)

	docs, err := store.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a-mid", "b-mid", "late", "a-undated", "z-undated"}, ids(docs))
}

func testForEachEmbedding(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.UpsertDocuments(ctx, NewDocument("a", "c", 1, 0, 0), NewDocument("b", "c", 0, 1, 0))
	require.NoError(t, err)

	seen := make(map[string][]float32)
	err = store.ForEachEmbedding(ctx, func(id string, vector []float32) error {
		seen[id] = vector
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{"a": {1, 0, 0}, "b": {0, 1, 0}}, seen)

	stop := errors.New("stop")
	calls := 0
	err = store.ForEachEmbedding(ctx, func(id string, vector []float32) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func testUpdateEmbeddings(t *testing.T, store storage.Store) {
	ctx := context.Background()
	_, err := store.UpsertDocuments(ctx, NewDocument("a", "c", 1, 0, 0))
	require.NoError(t, err)
	before, err := store.Generation(ctx)
	require.NoError(t, err)

	require.NoError(t, store.UpdateEmbeddings(ctx, &core.Document{ID: "a", Vector: []float32{0, 0, 1}}))

	docs, err := store.GetDocuments(ctx, "a")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []float32{0, 0, 1}, docs[0].Vector)
	assert.Equal(t, "subject a", docs[0].Subject)

	after, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	err = store.UpdateEmbeddings(ctx, &core.Document{ID: "missing", Vector: []float32{0, 0, 1}})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAggregates(t *testing.T, store storage.Store) {
	ctx := context.Background()

	aggs, err := store.FetchConversationAggregates(ctx, "c1", "c2")
	require.NoError(t, err)
	assert.Empty(t, aggs)

	require.NoError(t, store.UpsertAggregates(ctx,
		&core.ConversationAggregate{ConversationID: "c2", EmailCount: 1, Vector: []float32{1, 0, 0}},
		&core.ConversationAggregate{ConversationID: "c1", EmailCount: 2, Vector: []float32{0.5, 0.5, 0}},
	))
	require.NoError(t, store.UpsertAggregates(ctx,
		&core.ConversationAggregate{ConversationID: "c2", EmailCount: 3, Vector: []float32{0, 1, 0}},
	))

	gen, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.NotZero(t, gen, "aggregate writes bump the generation")

	aggs, err = store.FetchConversationAggregates(ctx, "c2", "missing")
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 3, aggs["c2"].EmailCount)
	assert.Equal(t, []float32{0, 1, 0}, aggs["c2"].Vector)

	list, err := store.ListAggregates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ConversationID)
	assert.Equal(t, "c2", list[1].ConversationID)
}

func testApplyBatch(t *testing.T, store storage.Store) {
	ctx := context.Background()
	require.NoError(t, store.UpsertAggregates(ctx,
		&core.ConversationAggregate{ConversationID: "c1", EmailCount: 1, Vector: []float32{1, 0, 0}},
	))
	_, err := store.UpsertDocuments(ctx, NewDocument("old", "c1"))
	require.NoError(t, err)
	before, err := store.Generation(ctx)
	require.NoError(t, err)

	var gotInserted []string
	var gotPrior map[string]*core.ConversationAggregate
	merge := func(inserted []*core.Document, prior map[string]*core.ConversationAggregate) ([]*core.ConversationAggregate, error) {
		gotInserted = ids(inserted)
		gotPrior = prior
		return []*core.ConversationAggregate{
			{ConversationID: "c1", EmailCount: 2, Vector: []float32{0.5, 0.5, 0}},
			{ConversationID: "c2", EmailCount: 1, Vector: []float32{0, 0, 1}},
		}, nil
	}

	inserted, err := store.ApplyBatch(ctx, []*core.Document{
		NewDocument("old", "c1"),
		NewDocument("new1", "c1", 0, 1, 0),
		NewDocument("new2", "c2", 0, 0, 1),
		NewDocument("loose", ""),
	}, merge)
	require.NoError(t, err)
	assert.Equal(t, []string{"new1", "new2", "loose"}, ids(inserted))
	assert.Equal(t, []string{"new1", "new2", "loose"}, gotInserted)
	require.Len(t, gotPrior, 1)
	assert.Equal(t, 1, gotPrior["c1"].EmailCount)

	aggs, err := store.FetchConversationAggregates(ctx, "c1", "c2")
	require.NoError(t, err)
	assert.Equal(t, 2, aggs["c1"].EmailCount)
	assert.Equal(t, 1, aggs["c2"].EmailCount)

	after, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)

	called := false
	inserted, err = store.ApplyBatch(ctx, []*core.Document{NewDocument("new1", "c1")},
		func([]*core.Document, map[string]*core.ConversationAggregate) ([]*core.ConversationAggregate, error) {
			called = true
			return nil, nil
		})
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.False(t, called, "merge is skipped when nothing was inserted")

	unchanged, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, after, unchanged)
}

func testApplyBatchRollback(t *testing.T, store storage.Store) {
	ctx := context.Background()
	before, err := store.Generation(ctx)
	require.NoError(t, err)

	boom := errors.New("merge failed")
	_, err = store.ApplyBatch(ctx, []*core.Document{NewDocument("a", "c1")},
		func([]*core.Document, map[string]*core.ConversationAggregate) ([]*core.ConversationAggregate, error) {
			return nil, boom
		})
	assert.ErrorIs(t, err, boom)

	count, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	aggs, err := store.FetchConversationAggregates(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, aggs)

	after, err := store.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
