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


package mailvec

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/poiesic/mailvec/ai"
	"github.com/poiesic/mailvec/ai/openai"
	"github.com/poiesic/mailvec/index"
	"github.com/poiesic/mailvec/ingestion"
	"github.com/poiesic/mailvec/reembed"
	"github.com/poiesic/mailvec/search"
	"github.com/poiesic/mailvec/storage"
	"github.com/poiesic/mailvec/storage/badger"
	"github.com/poiesic/mailvec/storage/postgres"
	"github.com/poiesic/mailvec/storage/sqlite"
)

// Store drivers accepted by WithDriver.
const (
	DriverBadger   = "badger"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Database ties a store, an embedding provider and the similarity indexes
// shared by every pipeline and searcher created from it.
type Database struct {
	store         storage.Store
	provider      ai.AIProvider
	documents     *index.Manager
	conversations *index.Manager
	logger        *slog.Logger

	mu        sync.Mutex
	pipelines []*ingestion.Pipeline
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	driver    string
	aiConfig  *ai.Config
	provider  ai.AIProvider
	store     storage.Store
	storeOpts []storage.Option
	logger    *slog.Logger
}

// WithDriver selects the store backend. Default is badger.
func WithDriver(driver string) DatabaseOption {
	return func(o *databaseOptions) {
		o.driver = driver
	}
}

// WithAIConfig configures the OpenAI-compatible embedding provider.
func WithAIConfig(cfg *ai.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiConfig = cfg
	}
}

// WithAIProvider uses provider instead of building one from the AI config.
// The Database takes ownership and closes it.
func WithAIProvider(provider ai.AIProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.provider = provider
	}
}

// WithStore uses an already opened store; the location and driver are ignored.
// The Database takes ownership and closes it.
func WithStore(store storage.Store) DatabaseOption {
	return func(o *databaseOptions) {
		o.store = store
	}
}

// WithStoreOptions passes options to the store backend constructor.
func WithStoreOptions(opts ...storage.Option) DatabaseOption {
	return func(o *databaseOptions) {
		o.storeOpts = append(o.storeOpts, opts...)
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewDatabase opens the database at location. location is a directory for
// badger, a file for sqlite and a connection string for postgres.
func NewDatabase(location string, opts ...DatabaseOption) (*Database, error) {
	return OpenDatabase(context.Background(), location, opts...)
}

// OpenDatabase is NewDatabase bounded by ctx while connecting.
func OpenDatabase(ctx context.Context, location string, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{
		driver:   DriverBadger,
		aiConfig: ai.DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}
	storeOpts := append([]storage.Option{storage.WithLogger(options.logger)}, options.storeOpts...)

	store := options.store
	if store == nil {
		var err error
		store, err = openStore(ctx, options.driver, location, storeOpts)
		if err != nil {
			return nil, err
		}
	}

	provider := options.provider
	if provider == nil {
		var err error
		provider, err = openai.NewProvider(options.aiConfig)
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	documents, err := index.NewManager(index.DocumentSource(store), index.WithLogger(options.logger))
	if err != nil {
		provider.Close()
		store.Close()
		return nil, err
	}
	conversations, err := index.NewManager(index.ConversationSource(store),
		index.WithLogger(options.logger), index.WithName("conversations"))
	if err != nil {
		provider.Close()
		store.Close()
		return nil, err
	}

	return &Database{
		store:         store,
		provider:      provider,
		documents:     documents,
		conversations: conversations,
		logger:        options.logger,
	}, nil
}

func openStore(ctx context.Context, driver, location string, opts []storage.Option) (storage.Store, error) {
	switch driver {
	case DriverBadger, "":
		return badger.NewStore(location, opts...)
	case DriverSQLite:
		return sqlite.NewStore(location, opts...)
	case DriverPostgres:
		return postgres.NewStore(ctx, location, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownDriver, driver)
	}
}

func (db *Database) Close() error {
	// Close AI provider first
	if err := db.provider.Close(); err != nil {
		db.logger.Error("error closing AI provider", "err", err)
	}

	if err := db.store.Close(); err != nil {
		db.logger.Error("error closing store", "err", err)
		return err
	}
	return nil
}

func (db *Database) Store() storage.Store {
	return db.store
}

// Indexes returns the document and conversation index managers.
func (db *Database) Indexes() (documents, conversations *index.Manager) {
	return db.documents, db.conversations
}

// NewIngestionPipeline creates a pipeline that rebuilds the shared indexes
// after every run that inserted documents.
func (db *Database) NewIngestionPipeline(opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	opts = append([]ingestion.Option{
		ingestion.WithLogger(db.logger),
		ingestion.WithIndexes(db.documents, db.conversations),
	}, opts...)
	pipeline, err := ingestion.NewPipeline(db.store, db.provider, opts...)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.pipelines = append(db.pipelines, pipeline)
	db.mu.Unlock()
	return pipeline, nil
}

// NewSearcher creates a searcher over the shared indexes.
func (db *Database) NewSearcher(opts ...search.Option) (*search.Searcher, error) {
	opts = append([]search.Option{
		search.WithLogger(db.logger),
		search.WithIndexes(db.documents, db.conversations),
	}, opts...)
	return search.NewSearcher(db.store, db.provider, opts...)
}

// NewReembedder creates a reembedder using the database's embedder.
func (db *Database) NewReembedder(config *reembed.Config, progress io.Writer) *reembed.Reembedder {
	return reembed.NewReembedder(db.store, db.provider.Embedder(), config, progress)
}

// HealthReport describes whether the database can serve queries and how
// the last ingestion went.
type HealthReport struct {
	CheckedAt         time.Time
	StoreErr          error
	Documents         int
	Generation        uint64
	DocumentIndex     index.Stats
	ConversationIndex index.Stats
	LastRun           *ingestion.RunStatus // nil when nothing ran yet
}

// Healthy reports whether the store is reachable.
func (r *HealthReport) Healthy() bool {
	return r.StoreErr == nil
}

// Ready reports whether the store is reachable, the last ingestion run
// succeeded and the document index covers the current generation.
func (r *HealthReport) Ready() bool {
	if !r.Healthy() {
		return false
	}
	if r.LastRun != nil && r.LastRun.Err != nil {
		return false
	}
	return r.DocumentIndex.LastError == nil && r.DocumentIndex.Generation == r.Generation
}

// Health pings the store and reports the index state and last run. It only
// returns an error when ctx is done; store failures are part of the report.
func (db *Database) Health(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{
		CheckedAt:         time.Now(),
		DocumentIndex:     db.documents.Stats(),
		ConversationIndex: db.conversations.Stats(),
		LastRun:           db.lastRun(),
	}

	report.StoreErr = db.store.Ping(ctx)
	if report.StoreErr == nil {
		report.Documents, report.StoreErr = db.store.CountDocuments(ctx)
	}
	if report.StoreErr == nil {
		report.Generation, report.StoreErr = db.store.Generation(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

// lastRun returns the most recently finished run across every pipeline.
func (db *Database) lastRun() *ingestion.RunStatus {
	db.mu.Lock()
	defer db.mu.Unlock()

	var latest *ingestion.RunStatus
	for _, p := range db.pipelines {
		if run := p.LastRun(); run != nil && (latest == nil || run.FinishedAt.After(latest.FinishedAt)) {
			latest = run
		}
	}
	return latest
}
