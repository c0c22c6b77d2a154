// Package postgres implements storage.Store on PostgreSQL with pgvector
// columns, using a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/poiesic/mailvec/aggregate"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/retry"
	"github.com/poiesic/mailvec/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to the database named by dsn. The vector extension is
// created on connect because every pooled connection registers its types.
// Connecting is retried with exponential backoff; a final failure is
// returned as *core.ConnectionError.
func NewStore(ctx context.Context, dsn string, opts ...storage.Option) (storage.Store, error) {
	return newStore(ctx, dsn, opts...)
}

func newStore(ctx context.Context, dsn string, opts ...storage.Option) (*Store, error) {
	o := storage.NewOptions(opts...)
	logger := o.Logger.With("component", "postgres")

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, &core.ConnectionError{Backend: "postgres", Attempts: 0, Err: err}
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	var pool *pgxpool.Pool
	attempts, err := retry.Attempts(ctx, func() error {
		if err := createExtension(ctx, config.ConnConfig); err != nil {
			logger.Warn("connect failed", "host", config.ConnConfig.Host, "error", err)
			return err
		}
		p, err := pgxpool.NewWithConfig(ctx, config)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("ping failed", "host", config.ConnConfig.Host, "error", err)
			return err
		}
		pool = p
		return nil
	}, o.ConnectAttempts, o.ConnectDelay)
	if err != nil {
		return nil, &core.ConnectionError{Backend: "postgres", Attempts: attempts, Err: err}
	}

	return &Store{pool: pool, logger: logger}, nil
}

func createExtension(ctx context.Context, config *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, config.Copy())
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, createExtensionSQL)
	return err
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables if absent and records the dimension.
func (s *Store) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return storage.ErrInvalidDimension
	}
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schemaSQL(dim)); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		existing, ok, err := metaValue(ctx, tx, metaDimension)
		if err != nil {
			return err
		}
		if ok {
			if existing != int64(dim) {
				return fmt.Errorf("%w: store has %d, requested %d", storage.ErrDimensionMismatch, existing, dim)
			}
			return nil
		}
		_, err = tx.Exec(ctx, `INSERT INTO store_meta (key, value) VALUES ($1, $2)`, metaDimension, dim)
		return err
	})
}

// Dimension returns the recorded dimension, or 0 before EnsureSchema.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	exists, err := s.schemaExists(ctx)
	if err != nil || !exists {
		return 0, err
	}
	dim, _, err := metaValue(ctx, s.pool, metaDimension)
	return int(dim), err
}

// Generation returns the ingestion generation, or 0 before EnsureSchema.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	exists, err := s.schemaExists(ctx)
	if err != nil || !exists {
		return 0, err
	}
	gen, _, err := metaValue(ctx, s.pool, metaGeneration)
	return uint64(gen), err
}

// ApplyBatch writes documents and their merged aggregates in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, docs []*core.Document, merge storage.MergeFunc) ([]*core.Document, error) {
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

		prior, err := readAggregates(ctx, tx, aggregate.ConversationIDs(inserted))
		if err != nil {
			return err
		}
		aggs, err := merge(inserted, prior)
		if err != nil {
			return err
		}
		if err := writeAggregates(ctx, tx, aggs); err != nil {
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

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func metaValue(ctx context.Context, q querier, key string) (int64, bool, error) {
	var value int64
	err := q.QueryRow(ctx, `SELECT value FROM store_meta WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (s *Store) schemaExists(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrStorageClosed
	}
	var exists bool
	err := s.pool.QueryRow(ctx, metaTableExistsSQL).Scan(&exists)
	return exists, err
}

