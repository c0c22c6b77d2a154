package sqlite

import (
	"context"
	"database/sql"

	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// FetchConversationAggregates returns the stored aggregates for ids.
func (s *Store) FetchConversationAggregates(ctx context.Context, ids ...string) (map[string]*core.ConversationAggregate, error) {
	exists, err := s.schemaExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]*core.ConversationAggregate{}, nil
	}
	var aggs map[string]*core.ConversationAggregate
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		aggs, err = readAggregates(ctx, tx, ids)
		return err
	})
	return aggs, err
}

// UpsertAggregates inserts or replaces aggregates.
func (s *Store) UpsertAggregates(ctx context.Context, aggs ...*core.ConversationAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := writeAggregates(ctx, tx, aggs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, bumpGenerationSQL)
		return err
	})
}

// ListAggregates returns every aggregate ordered by conversation ID.
func (s *Store) ListAggregates(ctx context.Context) ([]*core.ConversationAggregate, error) {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, email_count, embedding FROM conversation_aggregates ORDER BY conversation_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAggregates(rows)
}

func readAggregates(ctx context.Context, tx *sql.Tx, ids []string) (map[string]*core.ConversationAggregate, error) {
	aggs := make(map[string]*core.ConversationAggregate, len(ids))
	for _, chunk := range chunks(ids) {
		rows, err := tx.QueryContext(ctx,
			`SELECT conversation_id, email_count, embedding FROM conversation_aggregates WHERE conversation_id IN (`+placeholders(len(chunk))+`)`,
			toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		list, err := scanAggregates(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, agg := range list {
			aggs[agg.ConversationID] = agg
		}
	}
	return aggs, nil
}

func writeAggregates(ctx context.Context, tx *sql.Tx, aggs []*core.ConversationAggregate) error {
	stmt, err := tx.PrepareContext(ctx, upsertAggregateSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, agg := range aggs {
		if _, err := stmt.ExecContext(ctx, agg.ConversationID, agg.EmailCount, storage.MarshalVector(agg.Vector)); err != nil {
			return err
		}
	}
	return nil
}

func scanAggregates(rows *sql.Rows) ([]*core.ConversationAggregate, error) {
	var aggs []*core.ConversationAggregate
	for rows.Next() {
		var agg core.ConversationAggregate
		var blob []byte
		if err := rows.Scan(&agg.ConversationID, &agg.EmailCount, &blob); err != nil {
			return nil, err
		}
		vector, err := storage.UnmarshalVector(blob)
		if err != nil {
			return nil, err
		}
		agg.Vector = vector
		aggs = append(aggs, &agg)
	}
	return aggs, rows.Err()
}
