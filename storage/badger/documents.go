package badger

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// UpsertDocuments inserts documents whose ID is not stored yet.
func (s *Store) UpsertDocuments(ctx context.Context, docs ...*core.Document) ([]*core.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var inserted []*core.Document
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		inserted, err = insertDocuments(tx, docs)
		if err != nil {
			return err
		}
		if len(inserted) == 0 {
			return nil
		}
		if err := bumpGeneration(tx); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// FetchExistingIDs returns every stored document ID.
func (s *Store) FetchExistingIDs(ctx context.Context) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make(map[string]struct{})
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(documentPrefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := iter.Item().Key()
			ids[string(key[len(documentPrefix):])] = struct{}{}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	ids, err := s.FetchExistingIDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// GetDocuments retrieves documents by ID, skipping IDs that don't exist.
func (s *Store) GetDocuments(ctx context.Context, ids ...string) ([]*core.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs := make([]*core.Document, 0, len(ids))
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		for _, id := range ids {
			doc, err := readDocument(tx, makeDocumentKey(id))
			if err != nil {
				return err
			}
			if doc != nil {
				docs = append(docs, doc)
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// ListDocuments walks the date index, so documents come back ordered by
// timestamp with undated documents last.
func (s *Store) ListDocuments(ctx context.Context) ([]*core.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []*core.Document
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(documentDatePrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			id, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			doc, err := readDocument(tx, makeDocumentKey(string(id)))
			if err != nil {
				return err
			}
			if doc != nil {
				docs = append(docs, doc)
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// ForEachEmbedding calls fn for every stored document vector.
func (s *Store) ForEachEmbedding(ctx context.Context, fn func(id string, vector []float32) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(documentPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc *core.Document
			err := iter.Item().Value(func(val []byte) error {
				var err error
				doc, err = storage.UnmarshalDocument(val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(doc.ID, doc.Vector); err != nil {
				return err
			}
		}
		return nil
	}, false)
}

// UpdateEmbeddings replaces the vectors of existing documents.
func (s *Store) UpdateEmbeddings(ctx context.Context, docs ...*core.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		for _, update := range docs {
			key := makeDocumentKey(update.ID)
			doc, err := readDocument(tx, key)
			if err != nil {
				return err
			}
			if doc == nil {
				return storage.ErrNotFound
			}
			doc.Vector = update.Vector
			if err := tx.Set(key, storage.MarshalDocument(doc)); err != nil {
				return err
			}
		}
		if err := bumpGeneration(tx); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// insertDocuments stores the documents whose key is absent. A document
// repeated within docs is inserted once, first occurrence wins.
func insertDocuments(tx *badger.Txn, docs []*core.Document) ([]*core.Document, error) {
	var inserted []*core.Document
	for _, doc := range docs {
		key := makeDocumentKey(doc.ID)
		_, err := tx.Get(key)
		if err == nil {
			continue
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return nil, err
		}

		if err := tx.Set(key, storage.MarshalDocument(doc)); err != nil {
			return nil, err
		}
		if err := tx.Set(makeDocumentDateKey(doc.Timestamp, doc.ID), []byte(doc.ID)); err != nil {
			return nil, err
		}
		inserted = append(inserted, doc)
	}
	return inserted, nil
}

// readDocument reads a document within a transaction.
// Returns nil, nil if the document doesn't exist.
func readDocument(tx *badger.Txn, key []byte) (*core.Document, error) {
	value, err := getValue(tx, key)
	if err != nil || value == nil {
		return nil, err
	}
	return storage.UnmarshalDocument(value)
}
