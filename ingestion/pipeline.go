package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/mailvec/ai"
	"github.com/poiesic/mailvec/aggregate"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/index"
	"github.com/poiesic/mailvec/loader"
	"github.com/poiesic/mailvec/storage"
)

const (
	// DefaultBatchSize is the number of documents embedded and written together.
	DefaultBatchSize = 64

	// DefaultMaxRetries is the number of attempts per document after a batch failure.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the delay before the second per-document attempt.
	DefaultRetryDelay = 200 * time.Millisecond

	dimensionProbeText = "dimension probe"
)

// Mode selects how a run treats documents that may already be stored.
type Mode string

const (
	// ModeCreate loads a collection into a fresh store without pre-filtering.
	ModeCreate Mode = "create"
	// ModeUpdate skips documents whose IDs are already stored.
	ModeUpdate Mode = "update"
	// ModeAuto uses ModeCreate on an empty store and ModeUpdate otherwise.
	ModeAuto Mode = "auto"
)

// ParseMode converts a mode name to a Mode. An empty name means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCreate, ModeUpdate, ModeAuto:
		return Mode(s), nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Result summarizes one ingestion run.
type Result struct {
	Mode           Mode
	Candidates     int // Documents considered after dedup filtering
	NewDocuments   int // Documents actually inserted
	Conversations  int // Distinct conversations whose aggregate changed
	EncodeFailures int // Documents stored with a zero vector
	Batches        int // Batches committed
	Duration       time.Duration
}

// RunStatus records the outcome of the most recent run.
type RunStatus struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Result     Result
	Err        error
}

// Pipeline orchestrates the ingestion of email documents.
// It embeds new documents in batches and writes each batch together with
// the merged conversation aggregates.
type Pipeline struct {
	store      storage.Store
	embedder   ai.Embedder
	pool       *ants.Pool
	batchSize  int
	dimension  int
	maxRetries int
	retryDelay time.Duration
	indexes    []*index.Manager
	logger     *slog.Logger

	runMu   sync.Mutex
	lastRun atomic.Pointer[RunStatus]
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the worker pool size for per-document embedding retries.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}

		// Release old pool
		if p.pool != nil {
			p.pool.Release()
		}

		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// WithBatchSize sets how many documents are embedded and written together.
// Default is DefaultBatchSize.
func WithBatchSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			return ErrInvalidBatchSize
		}
		p.batchSize = size
		return nil
	}
}

// WithDimension fixes the embedding dimension. Without it the dimension
// recorded in the store is used, or one probe text is embedded to find it.
func WithDimension(dim int) Option {
	return func(p *Pipeline) error {
		if dim < 0 {
			return ErrInvalidDimension
		}
		p.dimension = dim
		return nil
	}
}

// WithRetry sets the per-document retry policy used after a batch failure.
func WithRetry(maxAttempts int, delay time.Duration) Option {
	return func(p *Pipeline) error {
		if maxAttempts < 1 {
			maxAttempts = 1
		}
		p.maxRetries = maxAttempts
		p.retryDelay = delay
		return nil
	}
}

// WithIndexes registers similarity indexes to rebuild after a run inserts rows.
func WithIndexes(managers ...*index.Manager) Option {
	return func(p *Pipeline) error {
		p.indexes = append(p.indexes, managers...)
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(store storage.Store, provider ai.AIProvider, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	// Default pool size
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	// Create pipeline with defaults
	p := &Pipeline{
		store:      store,
		embedder:   provider.Embedder(),
		pool:       pool,
		batchSize:  DefaultBatchSize,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
	}

	// Apply options (may override defaults)
	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	p.logger = p.logger.With("component", "ingestion")

	return p, nil
}

// CreateAll loads docs into the store without consulting the stored IDs.
// Documents that already exist are still skipped by the store.
func (p *Pipeline) CreateAll(ctx context.Context, docs []*core.Document) (Result, error) {
	return p.Run(ctx, docs, ModeCreate)
}

// UpdateAll embeds and writes only the documents whose IDs are not stored yet.
func (p *Pipeline) UpdateAll(ctx context.Context, docs []*core.Document) (Result, error) {
	return p.Run(ctx, docs, ModeUpdate)
}

// CreateOrUpdate uses CreateAll on an empty store and UpdateAll otherwise.
func (p *Pipeline) CreateOrUpdate(ctx context.Context, docs []*core.Document) (Result, error) {
	return p.Run(ctx, docs, ModeAuto)
}

// IngestFile loads the JSON collection at path and runs it in mode.
// A load failure is returned as *core.LoadError before anything is written.
func (p *Pipeline) IngestFile(ctx context.Context, path string, mode Mode) (Result, error) {
	docs, err := loader.LoadFile(path)
	if err != nil {
		return Result{Mode: mode}, err
	}
	return p.Run(ctx, docs, mode)
}

// Run ingests docs in the given mode. All entry points share it.
func (p *Pipeline) Run(ctx context.Context, docs []*core.Document, mode Mode) (Result, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	status := &RunStatus{StartedAt: time.Now()}
	result, err := p.run(ctx, docs, mode)
	result.Duration = time.Since(status.StartedAt)
	status.FinishedAt = time.Now()
	status.Result = result
	status.Err = err
	p.lastRun.Store(status)

	if err != nil {
		p.logger.Error("ingestion failed", "mode", result.Mode, "inserted", result.NewDocuments, "err", err)
		return result, err
	}
	p.logger.Info("ingestion finished",
		"mode", result.Mode,
		"candidates", result.Candidates,
		"inserted", result.NewDocuments,
		"conversations", result.Conversations,
		"encodeFailures", result.EncodeFailures,
		"batches", result.Batches,
		"elapsed", result.Duration)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, docs []*core.Document, mode Mode) (Result, error) {
	result := Result{Mode: mode}

	dim, err := p.prepare(ctx)
	if err != nil {
		return result, err
	}

	if mode == ModeAuto {
		count, err := p.store.CountDocuments(ctx)
		if err != nil {
			return result, err
		}
		if count == 0 {
			mode = ModeCreate
		} else {
			mode = ModeUpdate
		}
		result.Mode = mode
	}

	candidates := loader.Unique(docs)
	if mode == ModeUpdate {
		existing, err := p.store.FetchExistingIDs(ctx)
		if err != nil {
			return result, err
		}
		candidates = filterNew(candidates, existing)
	}
	result.Candidates = len(candidates)
	if len(candidates) == 0 {
		p.logger.Debug("nothing to ingest", "documents", len(docs))
		return result, nil
	}

	embedProc, err := newEmbeddingProcessor(p.embedder, p.pool, dim, p.maxRetries, p.retryDelay, p.logger)
	if err != nil {
		return result, err
	}

	conversations := make(map[string]struct{})
	for start := 0; start < len(candidates); start += p.batchSize {
		end := min(start+p.batchSize, len(candidates))
		batch := candidates[start:end]
		batchNum := start/p.batchSize + 1

		failures, err := embedProc.process(ctx, batch)
		if err != nil {
			return p.finish(ctx, result), err
		}
		result.EncodeFailures += len(failures)

		inserted, err := p.store.ApplyBatch(ctx, batch, aggregate.Batch)
		if err != nil {
			return p.finish(ctx, result), &core.UpsertError{Batch: batchNum, Documents: len(batch), Err: err}
		}

		result.Batches++
		result.NewDocuments += len(inserted)
		for _, id := range aggregate.ConversationIDs(inserted) {
			conversations[id] = struct{}{}
		}
		result.Conversations = len(conversations)

		p.logger.Debug("batch committed", "batch", batchNum, "documents", len(batch), "inserted", len(inserted))
	}

	return p.finish(ctx, result), nil
}

// prepare settles the embedding dimension and makes sure the schema exists.
func (p *Pipeline) prepare(ctx context.Context) (int, error) {
	dim := p.dimension
	if dim == 0 {
		stored, err := p.store.Dimension(ctx)
		if err != nil {
			return 0, err
		}
		dim = stored
	}
	if dim == 0 {
		vector, err := p.embedder.EmbedText(ctx, dimensionProbeText)
		if err != nil {
			return 0, fmt.Errorf("probe embedding dimension: %w", err)
		}
		dim = len(vector)
		p.logger.Info("detected embedding dimension", "dimension", dim)
	}
	if dim <= 0 {
		return 0, ErrInvalidDimension
	}
	if err := p.store.EnsureSchema(ctx, dim); err != nil {
		return 0, err
	}
	p.dimension = dim
	return dim, nil
}

// finish rebuilds the registered indexes when the run inserted rows.
// Rebuild failures are logged; queries fall back to the previous snapshot
// and retry the rebuild themselves.
func (p *Pipeline) finish(ctx context.Context, result Result) Result {
	if result.NewDocuments == 0 {
		return result
	}
	for _, m := range p.indexes {
		if _, err := m.Rebuild(ctx); err != nil {
			p.logger.Warn("index rebuild after ingestion failed", "err", err)
		}
	}
	return result
}

// filterNew returns the documents whose IDs are not in existing.
func filterNew(docs []*core.Document, existing map[string]struct{}) []*core.Document {
	fresh := make([]*core.Document, 0, len(docs))
	for _, doc := range docs {
		if _, ok := existing[doc.ID]; !ok {
			fresh = append(fresh, doc)
		}
	}
	return fresh
}

// LastRun returns the status of the most recent run, or nil before the first.
func (p *Pipeline) LastRun() *RunStatus {
	return p.lastRun.Load()
}

// Release releases resources including the worker pool.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	if p.pool != nil {
		if err := p.pool.ReleaseTimeout(5 * time.Second); err != nil {
			p.logger.Warn("worker pool did not stop in time", "err", err)
		}
	}
}
