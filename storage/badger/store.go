package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/mailvec/aggregate"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/storage"
)

// Store implements storage.Store on BadgerDB.
type Store struct {
	backend *Backend
}

var _ storage.Store = (*Store)(nil)

// NewStore opens (or creates) a BadgerDB store in the directory at path.
func NewStore(path string, opts ...storage.Option) (storage.Store, error) {
	backend, err := OpenBackend(path, false, opts...)
	if err != nil {
		return nil, err
	}
	return newStore(backend), nil
}

func newStore(backend *Backend) *Store {
	return &Store{backend: backend}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.backend.IsClosed() {
		return storage.ErrStorageClosed
	}
	return nil
}

// EnsureSchema records the vector dimension on first use. Badger keeps no
// table definitions, so there is nothing else to create.
func (s *Store) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return storage.ErrInvalidDimension
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.backend.WithTx(func(tx *badger.Txn) error {
		existing, err := readCounter(tx, metaDimensionKey)
		if err != nil {
			return err
		}
		if existing != 0 {
			if existing != uint64(dim) {
				return fmt.Errorf("%w: store has %d, requested %d", storage.ErrDimensionMismatch, existing, dim)
			}
			return nil
		}
		if err := tx.Set([]byte(metaDimensionKey), storage.MarshalUint64(uint64(dim))); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
}

// Dimension returns the dimension recorded by EnsureSchema, or 0.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var dim uint64
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		dim, err = readCounter(tx, metaDimensionKey)
		return err
	}, false)
	return int(dim), err
}

// Generation returns the current ingestion generation.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var gen uint64
	err := s.backend.WithTx(func(tx *badger.Txn) error {
		var err error
		gen, err = readCounter(tx, metaGenerationKey)
		return err
	}, false)
	return gen, err
}

// ApplyBatch writes documents and their merged aggregates in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, docs []*core.Document, merge storage.MergeFunc) ([]*core.Document, error) {
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

		prior, err := readAggregates(tx, aggregate.ConversationIDs(inserted))
		if err != nil {
			return err
		}
		aggs, err := merge(inserted, prior)
		if err != nil {
			return err
		}
		if err := writeAggregates(tx, aggs); err != nil {
			return err
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

func readCounter(tx *badger.Txn, key string) (uint64, error) {
	value, err := getValue(tx, []byte(key))
	if err != nil || value == nil {
		return 0, err
	}
	return storage.UnmarshalUint64(value)
}

func bumpGeneration(tx *badger.Txn) error {
	gen, err := readCounter(tx, metaGenerationKey)
	if err != nil {
		return err
	}
	return tx.Set([]byte(metaGenerationKey), storage.MarshalUint64(gen+1))
}

