// Package sqlite implements storage.Store on an embedded SQLite database
// using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poiesic/mailvec/aggregate"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/retry"
	"github.com/poiesic/mailvec/storage"
	_ "modernc.org/sqlite"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the SQLite database file at path, creating it if needed.
func NewStore(path string, opts ...storage.Option) (storage.Store, error) {
	o := storage.NewOptions(opts...)
	logger := o.Logger.With("component", "sqlite")

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &core.ConnectionError{Backend: "sqlite", Attempts: 1, Err: err}
	}
	// Single writer; one connection also keeps transactions serialized.
	db.SetMaxOpenConns(1)

	attempts, err := retry.Attempts(context.Background(), func() error {
		err := db.Ping()
		if err != nil {
			logger.Warn("ping failed", "path", path, "error", err)
		}
		return err
	}, o.ConnectAttempts, o.ConnectDelay)
	if err != nil {
		db.Close()
		return nil, &core.ConnectionError{Backend: "sqlite", Attempts: attempts, Err: err}
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		if strings.Contains(err.Error(), "database is closed") {
			return storage.ErrStorageClosed
		}
		return err
	}
	return nil
}

// EnsureSchema creates the tables if absent and records the dimension.
func (s *Store) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return storage.ErrInvalidDimension
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
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
		_, err = tx.ExecContext(ctx, `INSERT INTO store_meta (key, value) VALUES (?, ?)`, metaDimension, dim)
		return err
	})
}

// Dimension returns the recorded dimension, or 0 before EnsureSchema.
func (s *Store) Dimension(ctx context.Context) (int, error) {
	exists, err := s.schemaExists(ctx)
	if err != nil || !exists {
		return 0, err
	}
	dim, _, err := metaValue(ctx, s.db, metaDimension)
	return int(dim), err
}

// Generation returns the ingestion generation, or 0 before EnsureSchema.
func (s *Store) Generation(ctx context.Context) (uint64, error) {
	exists, err := s.schemaExists(ctx)
	if err != nil || !exists {
		return 0, err
	}
	gen, _, err := metaValue(ctx, s.db, metaGeneration)
	return uint64(gen), err
}

// ApplyBatch writes documents and their merged aggregates in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, docs []*core.Document, merge storage.MergeFunc) ([]*core.Document, error) {
	var inserted []*core.Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
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
		_, err = tx.ExecContext(ctx, bumpGenerationSQL)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func metaValue(ctx context.Context, q querier, key string) (int64, bool, error) {
	var value int64
	err := q.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

func (s *Store) schemaExists(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, metaTableExistsSQL).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}


func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > maxParams {
		out = append(out, ids[:maxParams])
		ids = ids[maxParams:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMicro()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
