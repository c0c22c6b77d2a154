package index

import (
	"context"

	"github.com/poiesic/mailvec/storage"
)

// Source supplies the entries a snapshot is built from.
type Source interface {
	// Generation returns the current store generation.
	Generation(ctx context.Context) (uint64, error)

	// Load calls fn with every (id, vector) entry.
	Load(ctx context.Context, fn func(id string, vector []float32) error) error
}

// DocumentSource indexes every stored document vector.
func DocumentSource(store storage.Store) Source {
	return &documentSource{store: store}
}

type documentSource struct {
	store storage.Store
}

func (s *documentSource) Generation(ctx context.Context) (uint64, error) {
	return s.store.Generation(ctx)
}

func (s *documentSource) Load(ctx context.Context, fn func(id string, vector []float32) error) error {
	return s.store.ForEachEmbedding(ctx, fn)
}

// ConversationSource indexes every conversation aggregate vector, keyed by
// conversation ID.
func ConversationSource(store storage.Store) Source {
	return &conversationSource{store: store}
}

type conversationSource struct {
	store storage.Store
}

func (s *conversationSource) Generation(ctx context.Context) (uint64, error) {
	return s.store.Generation(ctx)
}

func (s *conversationSource) Load(ctx context.Context, fn func(id string, vector []float32) error) error {
	aggs, err := s.store.ListAggregates(ctx)
	if err != nil {
		return err
	}
	for _, agg := range aggs {
		if err := fn(agg.ConversationID, agg.Vector); err != nil {
			return err
		}
	}
	return nil
}

// BuildFrom loads every entry of source into a new snapshot. The generation
// is read before loading: rows committed during the load may be included,
// but the snapshot never claims a generation newer than what it saw.
func BuildFrom(ctx context.Context, source Source) (*Snapshot, error) {
	gen, err := source.Generation(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	var vectors [][]float32
	err = source.Load(ctx, func(id string, vector []float32) error {
		ids = append(ids, id)
		vectors = append(vectors, vector)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Build(ids, vectors, gen)
}
