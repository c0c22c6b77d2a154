package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/mailvec/ai"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/retry"
)

// embeddingProcessor generates document vectors.
type embeddingProcessor struct {
	embedder   ai.Embedder
	pool       *ants.Pool
	dimension  int
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

var _ processor = (*embeddingProcessor)(nil)

// newEmbeddingProcessor creates a new embedding processor.
func newEmbeddingProcessor(embedder ai.Embedder, pool *ants.Pool, dimension, maxRetries int, retryDelay time.Duration, logger *slog.Logger) (*embeddingProcessor, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder required")
	}
	if pool == nil {
		return nil, fmt.Errorf("worker pool required")
	}
	if dimension <= 0 {
		return nil, ErrInvalidDimension
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &embeddingProcessor{
		embedder:   embedder,
		pool:       pool,
		dimension:  dimension,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		logger:     logger.With("processor", "embeddings"),
	}, nil
}

// process embeds the whole batch in one call. If that call fails, or returns
// an unusable vector for some items, those items are retried one at a time
// on the worker pool. An item that still fails gets a zero vector.
func (ep *embeddingProcessor) process(ctx context.Context, docs []*core.Document) ([]*core.EncodeError, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.EmbeddingText()
	}

	var pending []int
	vectors, err := ep.embedder.EmbedTexts(ctx, texts)
	if err == nil && len(vectors) != len(docs) {
		err = fmt.Errorf("embedding result mismatch. expected %d, received %d", len(docs), len(vectors))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		ep.logger.Warn("batch embedding failed, retrying per document", "documents", len(docs), "err", err)
		for i := range docs {
			pending = append(pending, i)
		}
	} else {
		for i, vector := range vectors {
			if len(vector) != ep.dimension {
				pending = append(pending, i)
				continue
			}
			docs[i].Vector = core.NormalizeVector(vector)
		}
	}

	if len(pending) == 0 {
		return nil, nil
	}

	failures := make([]*core.EncodeError, len(docs))
	var wg sync.WaitGroup
	for _, i := range pending {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			failures[i] = ep.embedOne(ctx, docs[i], texts[i])
		}
		if err := ep.pool.Submit(task); err != nil {
			// Pool closed or overloaded; do the work on this goroutine.
			task()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var result []*core.EncodeError
	for _, failure := range failures {
		if failure != nil {
			ep.logger.Error("embedding failed, storing zero vector", "id", failure.DocumentID, "err", failure.Err)
			result = append(result, failure)
		}
	}
	return result, nil
}

// embedOne embeds a single document with retries. On final failure the
// document gets a zero vector and the failure is returned.
func (ep *embeddingProcessor) embedOne(ctx context.Context, doc *core.Document, text string) *core.EncodeError {
	var vector []float32
	err := retry.WithBackoff(ctx, func() error {
		v, err := ep.embedder.EmbedText(ctx, text)
		if err != nil {
			return err
		}
		if len(v) != ep.dimension {
			return fmt.Errorf("%w: got %d, expected %d", core.ErrDimensionMismatch, len(v), ep.dimension)
		}
		vector = v
		return nil
	}, ep.maxRetries, ep.retryDelay)
	if err != nil {
		doc.Vector = core.ZeroVector(ep.dimension)
		return &core.EncodeError{DocumentID: doc.ID, Err: err}
	}
	doc.Vector = core.NormalizeVector(vector)
	return nil
}
