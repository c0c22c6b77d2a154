package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// UpsertDocuments inserts documents whose ID is not stored yet.
func (s *Store) UpsertDocuments(ctx context.Context, docs ...*core.Document) ([]*core.Document, error) {
	if s.closed.Load() {
		return nil, storage.ErrStorageClosed
	}
	var inserted []*core.Document
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		inserted, err = insertDocuments(ctx, tx, docs)
		if err != nil || len(inserted) == 0 {
			return err
		}
		_, err = tx.Exec(ctx, bumpGenerationSQL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// FetchExistingIDs returns every stored document ID.
func (s *Store) FetchExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		if err != nil {
			return nil, err
		}
		return map[string]struct{}{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM documents`)
	if err != nil {
		return nil, err
	}
	list, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	ids := make(map[string]struct{}, len(list))
	for _, id := range list {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		return 0, err
	}
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&count)
	return count, err
}

// GetDocuments retrieves documents by ID in the requested order.
func (s *Store) GetDocuments(ctx context.Context, ids ...string) ([]*core.Document, error) {
	if len(ids) == 0 {
		return []*core.Document{}, nil
	}
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		if err != nil {
			return nil, err
		}
		return []*core.Document{}, nil
	}
	docs, err := s.queryDocuments(ctx, getDocumentsSQL, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*core.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	result := make([]*core.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			result = append(result, doc)
		}
	}
	return result, nil
}

// ListDocuments returns every document, dated ones first in time order.
func (s *Store) ListDocuments(ctx context.Context) ([]*core.Document, error) {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		return nil, err
	}
	return s.queryDocuments(ctx, listDocumentsSQL)
}

// ForEachEmbedding streams every (id, vector) pair.
func (s *Store) ForEachEmbedding(ctx context.Context, fn func(id string, vector []float32) error) error {
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		return err
	}
	rows, err := s.pool.Query(ctx, `SELECT id, embedding FROM documents ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var vector pgvector.Vector
		if err := rows.Scan(&id, &vector); err != nil {
			return err
		}
		if err := fn(id, vector.Slice()); err != nil {
			return err
		}
	}
	return rows.Err()
}

// UpdateEmbeddings replaces the vectors of existing documents.
func (s *Store) UpdateEmbeddings(ctx context.Context, docs ...*core.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, doc := range docs {
			tag, err := tx.Exec(ctx, `UPDATE documents SET embedding = $1 WHERE id = $2`,
				pgvector.NewVector(doc.Vector), doc.ID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return storage.ErrNotFound
			}
		}
		_, err := tx.Exec(ctx, bumpGenerationSQL)
		return err
	})
}

// insertDocuments queues one insert per document and reads back which ones
// created a row. Later duplicates in the same batch see the earlier row.
func insertDocuments(ctx context.Context, tx pgx.Tx, docs []*core.Document) ([]*core.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, doc := range docs {
		raw := doc.Raw
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		var conversationID *string
		if doc.ConversationID != "" {
			conversationID = &doc.ConversationID
		}
		var sentAt *time.Time
		if doc.Timestamp != nil {
			ts := doc.Timestamp.UTC()
			sentAt = &ts
		}
		batch.Queue(insertDocumentSQL,
			doc.ID,
			conversationID,
			doc.Subject,
			doc.Sender,
			doc.Content,
			sentAt,
			doc.Order,
			raw,
			pgvector.NewVector(doc.Vector),
		)
	}

	results := tx.SendBatch(ctx, batch)
	var inserted []*core.Document
	for _, doc := range docs {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return nil, err
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, doc)
		}
	}
	if err := results.Close(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]*core.Document, error) {
	if s.closed.Load() {
		return nil, storage.ErrStorageClosed
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanDocument)
}

func scanDocument(row pgx.CollectableRow) (*core.Document, error) {
	var (
		doc            core.Document
		conversationID *string
		sentAt         *time.Time
		order          *int32
		vector         pgvector.Vector
	)
	err := row.Scan(&doc.ID, &conversationID, &doc.Subject, &doc.Sender, &doc.Content,
		&sentAt, &order, &doc.Raw, &vector)
	if err != nil {
		return nil, err
	}

	if conversationID != nil {
		doc.ConversationID = *conversationID
	}
	if sentAt != nil {
		ts := sentAt.UTC()
		doc.Timestamp = &ts
	}
	if order != nil {
		o := int(*order)
		doc.Order = &o
	}
	doc.Vector = vector.Slice()
	return &doc, nil
}
