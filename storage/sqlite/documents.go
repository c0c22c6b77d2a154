package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// UpsertDocuments inserts documents whose ID is not stored yet.
func (s *Store) UpsertDocuments(ctx context.Context, docs ...*core.Document) ([]*core.Document, error) {
	var inserted []*core.Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertDocuments(ctx, tx, docs)
		if err != nil || len(inserted) == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, bumpGenerationSQL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// FetchExistingIDs returns every stored document ID.
func (s *Store) FetchExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	exists, err := s.schemaExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return ids, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var count int
	if exists, err := s.schemaExists(ctx); err != nil || !exists {
		return 0, err
	}
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&count)
	return count, err
}

// GetDocuments retrieves documents by ID in the requested order.
func (s *Store) GetDocuments(ctx context.Context, ids ...string) ([]*core.Document, error) {
	exists, err := s.schemaExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []*core.Document{}, nil
	}
	byID := make(map[string]*core.Document, len(ids))
	for _, chunk := range chunks(ids) {
		query := `SELECT ` + documentColumns + ` FROM documents WHERE id IN (` + placeholders(len(chunk)) + `)`
		docs, err := s.queryDocuments(ctx, query, toArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			byID[doc.ID] = doc
		}
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
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM documents ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vector, err := storage.UnmarshalVector(blob)
		if err != nil {
			return err
		}
		if err := fn(id, vector); err != nil {
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, doc := range docs {
			res, err := tx.ExecContext(ctx, `UPDATE documents SET embedding = ? WHERE id = ?`,
				storage.MarshalVector(doc.Vector), doc.ID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return storage.ErrNotFound
			}
		}
		_, err := tx.ExecContext(ctx, bumpGenerationSQL)
		return err
	})
}

func insertDocuments(ctx context.Context, tx *sql.Tx, docs []*core.Document) ([]*core.Document, error) {
	stmt, err := tx.PrepareContext(ctx, insertDocumentSQL)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var inserted []*core.Document
	for _, doc := range docs {
		raw := doc.Raw
		if raw == nil {
			raw = []byte{}
		}
		res, err := stmt.ExecContext(ctx,
			doc.ID,
			nullableString(doc.ConversationID),
			doc.Subject,
			doc.Sender,
			doc.Content,
			nullableTime(doc.Timestamp),
			nullableInt(doc.Order),
			raw,
			storage.MarshalVector(doc.Vector),
		)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			inserted = append(inserted, doc)
		}
	}
	return inserted, nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]*core.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*core.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanDocument(rows *sql.Rows) (*core.Document, error) {
	var (
		doc            core.Document
		conversationID sql.NullString
		sentAt         sql.NullInt64
		order          sql.NullInt64
		blob           []byte
	)
	err := rows.Scan(&doc.ID, &conversationID, &doc.Subject, &doc.Sender, &doc.Content,
		&sentAt, &order, &doc.Raw, &blob)
	if err != nil {
		return nil, err
	}

	doc.ConversationID = conversationID.String
	if sentAt.Valid {
		ts := time.UnixMicro(sentAt.Int64).UTC()
		doc.Timestamp = &ts
	}
	if order.Valid {
		o := int(order.Int64)
		doc.Order = &o
	}
	doc.Vector, err = storage.UnmarshalVector(blob)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
