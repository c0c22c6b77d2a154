package storage

import (
	"context"

	"github.com/poiesic/mailvec/core"
)

// MergeFunc computes the aggregates to write for a batch. It receives the
// documents the batch actually inserted and the stored aggregates of the
// conversations they touch (absent when a conversation is new).
type MergeFunc func(inserted []*core.Document, prior map[string]*core.ConversationAggregate) ([]*core.ConversationAggregate, error)

// Repository provides operations shared by every store backend.
// Implementations must be thread-safe and support concurrent access.
type Repository interface {
	// EnsureSchema creates the documents, conversation aggregates and
	// metadata structures if they are absent. It never alters existing data.
	// Returns ErrDimensionMismatch if the store was created for a different
	// vector dimension.
	EnsureSchema(ctx context.Context, dim int) error

	// Dimension returns the vector dimension recorded by EnsureSchema,
	// or 0 when the schema has not been created yet.
	Dimension(ctx context.Context) (int, error)

	// Generation returns the ingestion generation. It increases every time
	// a write inserts or replaces document or aggregate vectors.
	Generation(ctx context.Context) (uint64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close closes the storage backend and releases resources.
	Close() error
}

// DocumentRepository provides operations for managing email documents.
type DocumentRepository interface {
	// UpsertDocuments inserts documents keyed by ID. The first write wins:
	// documents whose ID already exists are left untouched.
	// Returns the documents that were actually inserted, in input order.
	UpsertDocuments(ctx context.Context, docs ...*core.Document) ([]*core.Document, error)

	// FetchExistingIDs returns the complete set of stored document IDs.
	FetchExistingIDs(ctx context.Context) (map[string]struct{}, error)

	// CountDocuments returns the number of stored documents.
	CountDocuments(ctx context.Context) (int, error)

	// GetDocuments retrieves documents by ID in the order requested.
	// Returns only the documents that exist (no error for missing IDs).
	GetDocuments(ctx context.Context, ids ...string) ([]*core.Document, error)

	// ListDocuments returns every document ordered by timestamp ascending,
	// documents without a timestamp last, ties broken by ID.
	ListDocuments(ctx context.Context) ([]*core.Document, error)

	// ForEachEmbedding calls fn with every stored (id, vector) pair.
	// Iteration stops at the first error fn returns.
	ForEachEmbedding(ctx context.Context, fn func(id string, vector []float32) error) error

	// UpdateEmbeddings replaces the vectors of existing documents and bumps
	// the generation. Returns ErrNotFound if any document doesn't exist.
	UpdateEmbeddings(ctx context.Context, docs ...*core.Document) error
}

// AggregateRepository provides operations for conversation aggregates.
type AggregateRepository interface {
	// FetchConversationAggregates returns the aggregates that exist for the
	// given conversation IDs. Missing IDs are absent from the map.
	FetchConversationAggregates(ctx context.Context, ids ...string) (map[string]*core.ConversationAggregate, error)

	// UpsertAggregates inserts or replaces aggregates keyed by conversation ID
	// and bumps the generation.
	UpsertAggregates(ctx context.Context, aggs ...*core.ConversationAggregate) error

	// ListAggregates returns every stored aggregate ordered by conversation ID.
	ListAggregates(ctx context.Context) ([]*core.ConversationAggregate, error)
}

// Store combines every repository with the atomic batch write used by ingestion.
type Store interface {
	Repository
	DocumentRepository
	AggregateRepository

	// ApplyBatch writes one ingestion batch in a single transaction: it
	// inserts docs first-write-wins, loads the prior aggregates of the
	// conversations the inserted documents belong to, calls merge, upserts
	// the aggregates merge returns and bumps the generation when anything
	// was inserted. Nothing is written if any step fails.
	// Returns the documents that were actually inserted.
	ApplyBatch(ctx context.Context, docs []*core.Document, merge MergeFunc) ([]*core.Document, error)
}
