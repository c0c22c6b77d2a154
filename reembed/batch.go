package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/mailvec/ai"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/retry"
	"github.com/poiesic/mailvec/storage"
)

// BatchProcessor handles embedding generation for batches of documents.
type BatchProcessor struct {
	store          storage.DocumentRepository
	embedder       ai.Embedder
	dimension      int
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewBatchProcessor creates a new batch processor.
// dimension: expected vector length, 0 to accept whatever the embedder returns
// maxRetries: maximum number of retry attempts for embedding API calls
// retryBaseDelay: base delay for exponential backoff
func NewBatchProcessor(store storage.DocumentRepository, embedder ai.Embedder, dimension, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		store:          store,
		embedder:       embedder,
		dimension:      dimension,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process generates embeddings for a batch of documents and writes them to the store.
// Vectors are normalized after embedding to ensure compatibility with cosine similarity.
func (bp *BatchProcessor) Process(ctx context.Context, docs []*core.Document) error {
	if len(docs) == 0 {
		return nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.EmbeddingText()
	}

	// Generate embeddings with retry
	var embeddings [][]float32
	err := retry.WithBackoff(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err)
	}

	if len(embeddings) != len(docs) {
		return fmt.Errorf("embedding count mismatch: expected %d, got %d", len(docs), len(embeddings))
	}

	// Normalize vectors and assign to documents
	for i, doc := range docs {
		if bp.dimension > 0 && len(embeddings[i]) != bp.dimension {
			return fmt.Errorf("document %q: %w: got %d, store expects %d",
				doc.ID, core.ErrDimensionMismatch, len(embeddings[i]), bp.dimension)
		}
		doc.Vector = core.NormalizeVector(embeddings[i])
	}

	if err := bp.store.UpdateEmbeddings(ctx, docs...); err != nil {
		return fmt.Errorf("failed to update documents: %w", err)
	}

	return nil
}
