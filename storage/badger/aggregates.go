package badger

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// FetchConversationAggregates returns the stored aggregates for ids.
func (s *Store) FetchConversationAggregates(ctx context.Context, ids ...string) (map[string]*core.ConversationAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var aggs map[string]*core.ConversationAggregate
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		aggs, err = readAggregates(tx, ids)
		return err
	}, false)
	if err != nil {
		return nil, err
	}
	return aggs, nil
}

// UpsertAggregates writes aggregates, replacing existing ones, and bumps the generation.
func (s *Store) UpsertAggregates(ctx context.Context, aggs ...*core.ConversationAggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(aggs) == 0 {
		return nil
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		if err := writeAggregates(tx, aggs); err != nil {
			return err
		}
		if err := bumpGeneration(tx); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// ListAggregates returns every aggregate in conversation ID order.
func (s *Store) ListAggregates(ctx context.Context) ([]*core.ConversationAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var aggs []*core.ConversationAggregate
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(aggregatePrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			err := iter.Item().Value(func(val []byte) error {
				agg, err := storage.UnmarshalAggregate(val)
				if err != nil {
					return err
				}
				aggs = append(aggs, agg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return aggs, nil
}

func readAggregates(tx *badger.Txn, ids []string) (map[string]*core.ConversationAggregate, error) {
	aggs := make(map[string]*core.ConversationAggregate, len(ids))
	for _, id := range ids {
		value, err := getValue(tx, makeAggregateKey(id))
		if err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		agg, err := storage.UnmarshalAggregate(value)
		if err != nil {
			return nil, err
		}
		aggs[id] = agg
	}
	return aggs, nil
}

func writeAggregates(tx *badger.Txn, aggs []*core.ConversationAggregate) error {
	for _, agg := range aggs {
		if err := tx.Set(makeAggregateKey(agg.ConversationID), storage.MarshalAggregate(agg)); err != nil {
			return err
		}
	}
	return nil
}
