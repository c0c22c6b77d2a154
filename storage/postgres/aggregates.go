package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

const selectAggregatesSQL = `SELECT conversation_id, email_count, embedding FROM conversation_aggregates`

// FetchConversationAggregates returns the stored aggregates for ids.
func (s *Store) FetchConversationAggregates(ctx context.Context, ids ...string) (map[string]*core.ConversationAggregate, error) {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		if err != nil {
			return nil, err
		}
		return map[string]*core.ConversationAggregate{}, nil
	}
	return readAggregates(ctx, s.pool, ids)
}

// UpsertAggregates inserts or replaces aggregates.
func (s *Store) UpsertAggregates(ctx context.Context, aggs ...*core.ConversationAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := writeAggregates(ctx, tx, aggs); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, bumpGenerationSQL)
		return err
	})
}

// ListAggregates returns every aggregate ordered by conversation ID.
func (s *Store) ListAggregates(ctx context.Context) ([]*core.ConversationAggregate, error) {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, selectAggregatesSQL+` ORDER BY conversation_id COLLATE "C"`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAggregate)
}

func readAggregates(ctx context.Context, q querier, ids []string) (map[string]*core.ConversationAggregate, error) {
	aggs := make(map[string]*core.ConversationAggregate, len(ids))
	if len(ids) == 0 {
		return aggs, nil
	}
	rows, err := q.Query(ctx, selectAggregatesSQL+` WHERE conversation_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, scanAggregate)
	if err != nil {
		return nil, err
	}
	for _, agg := range list {
		aggs[agg.ConversationID] = agg
	}
	return aggs, nil
}

func writeAggregates(ctx context.Context, tx pgx.Tx, aggs []*core.ConversationAggregate) error {
	batch := &pgx.Batch{}
	for _, agg := range aggs {
		batch.Queue(upsertAggregateSQL, agg.ConversationID, agg.EmailCount, pgvector.NewVector(agg.Vector))
	}
	return tx.SendBatch(ctx, batch).Close()
}

func scanAggregate(row pgx.CollectableRow) (*core.ConversationAggregate, error) {
	var agg core.ConversationAggregate
	var vector pgvector.Vector
	if err := row.Scan(&agg.ConversationID, &agg.EmailCount, &vector); err != nil {
		return nil, err
	}
	agg.Vector = vector.Slice()
	return &agg, nil
}
