// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/mailvec/aggregate"
	"github.com/poiesic/mailvec/ai"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of documents to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of documents)
	ReportInterval int

	// MaxRetries is the maximum number of retry attempts for failed operations
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration

	// Workers is the number of batches embedded concurrently
	Workers int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
		Workers:        1,
	}
}

// Reembedder orchestrates the reembedding of all documents in a store.
type Reembedder struct {
	store    storage.Store
	embedder ai.Embedder
	config   *Config
	progress io.Writer
	iterator *DocumentIterator
	logger   *slog.Logger
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(store storage.Store, embedder ai.Embedder, config *Config, progress io.Writer) *Reembedder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		store:    store,
		embedder: embedder,
		config:   config,
		progress: progress,
		iterator: NewDocumentIterator(store, config.BatchSize),
		logger:   slog.Default().With("component", "reembed"),
	}
}

// Run executes the reembedding operation.
// Every stored document is reembedded with the configured embedder, then all
// conversation aggregates are rebuilt from the new vectors.
// Progress is reported to the configured writer.
func (r *Reembedder) Run(ctx context.Context) error {
	totalDocuments, err := r.store.CountDocuments(ctx)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	if totalDocuments == 0 {
		fmt.Fprintf(r.progress, "No documents found in store (0 documents)\n")
		return nil
	}

	dimension, err := r.store.Dimension(ctx)
	if err != nil {
		return fmt.Errorf("failed to read store dimension: %w", err)
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d documents (batch size: %d, workers: %d)\n",
		totalDocuments, r.iterator.batchSize, r.config.Workers)

	tracker := NewProgressTracker(r.progress, totalDocuments, r.config.ReportInterval)
	tracker.Start()

	if err := r.embedAll(ctx, dimension, tracker); err != nil {
		return err
	}

	tracker.Finish()

	conversations, err := r.rebuildAggregates(ctx)
	if err != nil {
		return err
	}

	elapsed := tracker.Elapsed()
	fmt.Fprintf(r.progress, "Reembedding complete. Processed %d documents and %d conversations in %v (%.1f documents/sec)\n",
		totalDocuments, conversations, elapsed.Round(time.Second), float64(totalDocuments)/elapsed.Seconds())

	return nil
}

// embedAll runs every batch on a worker pool. The first failure cancels
// the batches that have not started yet.
func (r *Reembedder) embedAll(ctx context.Context, dimension int, tracker *ProgressTracker) error {
	pool, err := ants.NewPool(r.config.Workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	processor := NewBatchProcessor(r.store, r.embedder, dimension, r.config.MaxRetries, r.config.RetryDelay)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	iterErr := r.iterator.ForEach(ctx, func(docs []*core.Document) error {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := processor.Process(ctx, docs); err != nil {
				fail(fmt.Errorf("failed to process batch: %w", err))
				return
			}
			tracker.Increment(len(docs))
		})
		if err != nil {
			wg.Done()
			return err
		}
		return nil
	})
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if iterErr != nil {
		return iterErr
	}
	// Batches skipped after a parent cancellation
	return ctx.Err()
}

// rebuildAggregates recomputes every conversation aggregate from the stored
// vectors and returns the number of conversations written.
func (r *Reembedder) rebuildAggregates(ctx context.Context) (int, error) {
	docs, err := r.store.ListDocuments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reload documents: %w", err)
	}
	aggs, err := aggregate.Rebuild(docs)
	if err != nil {
		return 0, fmt.Errorf("failed to rebuild conversation aggregates: %w", err)
	}
	if len(aggs) == 0 {
		return 0, nil
	}
	if err := r.store.UpsertAggregates(ctx, aggs...); err != nil {
		return 0, fmt.Errorf("failed to store conversation aggregates: %w", err)
	}
	r.logger.Debug("conversation aggregates rebuilt", "conversations", len(aggs))
	return len(aggs), nil
}
