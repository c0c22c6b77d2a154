package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/mailvec/ai"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/index"
	"github.com/poiesic/mailvec/storage"
)

// DefaultK is the number of results returned when a caller does not ask for a specific count.
const DefaultK = 8

// Searcher answers similarity queries over stored documents and conversations.
type Searcher struct {
	store         storage.Store
	embedder      ai.Embedder
	documents     *index.Manager
	conversations *index.Manager
	defaultK      int
	logger        *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithIndexes makes the searcher share index managers with other components,
// typically an ingestion pipeline that rebuilds them after each run.
// A nil manager is replaced by one the searcher owns.
func WithIndexes(documents, conversations *index.Manager) Option {
	return func(s *Searcher) error {
		s.documents = documents
		s.conversations = conversations
		return nil
	}
}

// WithDefaultK sets the result count reported by DefaultK.
func WithDefaultK(k int) Option {
	return func(s *Searcher) error {
		if k < 1 {
			return ErrInvalidDefaultK
		}
		s.defaultK = k
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(store storage.Store, provider ai.AIProvider, opts ...Option) (*Searcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if provider == nil {
		return nil, ErrAIProviderRequired
	}

	s := &Searcher{
		store:    store,
		embedder: provider.Embedder(),
		defaultK: DefaultK,
		logger:   slog.Default(),
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	var err error
	if s.documents == nil {
		s.documents, err = index.NewManager(index.DocumentSource(store), index.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
	}
	if s.conversations == nil {
		s.conversations, err = index.NewManager(index.ConversationSource(store),
			index.WithLogger(s.logger), index.WithName("conversations"))
		if err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "search")

	return s, nil
}

// DefaultK returns the result count to use when a caller gives none.
func (s *Searcher) DefaultK() int {
	return s.defaultK
}

// Documents returns the document index manager.
func (s *Searcher) Documents() *index.Manager {
	return s.documents
}

// Conversations returns the conversation index manager.
func (s *Searcher) Conversations() *index.Manager {
	return s.conversations
}

// Search returns up to k stored documents most similar to query, best first.
// The result has min(k, number of stored documents) entries; an empty store
// yields an empty slice.
func (s *Searcher) Search(ctx context.Context, query string, k int) ([]*core.SearchResult, error) {
	return s.SearchWithMonitor(ctx, query, k, nil)
}

// SearchWithMonitor is Search with callbacks at each stage of the query.
func (s *Searcher) SearchWithMonitor(ctx context.Context, query string, k int, monitor SearchMonitor) ([]*core.SearchResult, error) {
	// Use noop monitor if none provided
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	monitor.Start(query, k)

	embedding, err := s.embedQuery(ctx, query, k)
	if err != nil {
		return nil, err
	}
	monitor.AfterQueryEmbedding(len(embedding))

	snapshot, err := s.documents.Fresh(ctx)
	if err != nil {
		s.logger.Error("document index unavailable", "err", err)
		return nil, err
	}
	hits, err := snapshot.Search(embedding, k)
	if err != nil {
		s.logger.Error("error searching document index", "err", err)
		return nil, err
	}
	monitor.AfterIndexSearch(snapshot.Generation(), hits)

	if len(hits) == 0 {
		monitor.Finish([]*core.SearchResult{})
		return []*core.SearchResult{}, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	docs, err := s.store.GetDocuments(ctx, ids...)
	if err != nil {
		s.logger.Error("error retrieving documents", "documentCount", len(ids), "err", err)
		return nil, err
	}
	monitor.AfterRecordRetrieval(docs)

	byID := make(map[string]*core.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	// Keep index order
	results := make([]*core.SearchResult, 0, len(hits))
	for _, hit := range hits {
		doc, ok := byID[hit.ID]
		if !ok {
			s.logger.Warn("indexed document missing from store", "id", hit.ID)
			continue
		}
		results = append(results, &core.SearchResult{Document: doc, Score: hit.Score})
	}

	monitor.Finish(results)
	return results, nil
}

// SearchConversations ranks conversations by the similarity of their mean
// embedding to query and returns up to k of them, best first.
func (s *Searcher) SearchConversations(ctx context.Context, query string, k int) ([]*core.ConversationResult, error) {
	embedding, err := s.embedQuery(ctx, query, k)
	if err != nil {
		return nil, err
	}

	snapshot, err := s.conversations.Fresh(ctx)
	if err != nil {
		s.logger.Error("conversation index unavailable", "err", err)
		return nil, err
	}
	hits, err := snapshot.Search(embedding, k)
	if err != nil {
		s.logger.Error("error searching conversation index", "err", err)
		return nil, err
	}
	if len(hits) == 0 {
		return []*core.ConversationResult{}, nil
	}

	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}
	aggs, err := s.store.FetchConversationAggregates(ctx, ids...)
	if err != nil {
		s.logger.Error("error retrieving conversation aggregates", "count", len(ids), "err", err)
		return nil, err
	}

	results := make([]*core.ConversationResult, 0, len(hits))
	for _, hit := range hits {
		agg, ok := aggs[hit.ID]
		if !ok {
			s.logger.Warn("indexed conversation missing from store", "conversationID", hit.ID)
			continue
		}
		results = append(results, &core.ConversationResult{Aggregate: agg, Score: hit.Score})
	}
	return results, nil
}

// ListConversations returns every stored document grouped by conversation,
// with conversations and their documents ordered by date.
func (s *Searcher) ListConversations(ctx context.Context) ([]*core.Conversation, error) {
	docs, err := s.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	return GroupByConversation(docs), nil
}

func (s *Searcher) embedQuery(ctx context.Context, query string, k int) ([]float32, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.ErrEmptyQuery
	}
	if k < 1 {
		return nil, fmt.Errorf("%w: got %d", core.ErrInvalidK, k)
	}

	embedding, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, err
	}
	return core.NormalizeVector(embedding), nil
}
