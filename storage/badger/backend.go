package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/retry"
	"github.com/poiesic/mailvec/storage"
)

// Backend wraps a BadgerDB instance and provides low-level operations.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist. Opening is retried with
// exponential backoff (another process may hold the directory lock);
// a final failure is returned as *core.ConnectionError.
func OpenBackend(filePath string, inMemory bool, opts ...storage.Option) (*Backend, error) {
	o := storage.NewOptions(opts...)
	logger := o.Logger.With("component", "badger")

	var badgerOpts badger.Options
	if inMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := ensureDir(filePath); err != nil {
			return nil, &core.ConnectionError{Backend: "badger", Attempts: 1, Err: err}
		}
		badgerOpts = badger.DefaultOptions(filePath)
	}

	badgerOpts.Logger = &badgerLoggerAdapter{logger: logger}
	badgerOpts.Compression = options.None

	var db *badger.DB
	attempts, err := retry.Attempts(context.Background(), func() error {
		var err error
		db, err = badger.Open(badgerOpts)
		if err != nil {
			logger.Warn("open failed", "path", filePath, "error", err)
		}
		return err
	}, o.ConnectAttempts, o.ConnectDelay)
	if err != nil {
		return nil, &core.ConnectionError{Backend: "badger", Attempts: attempts, Err: err}
	}

	return &Backend{
		db:     db,
		logger: logger,
	}, nil
}

func ensureDir(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(filePath, 0755); err != nil {
			return err
		}
		info, err = os.Stat(filePath)
		if err != nil {
			return err
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", filePath)
	}
	return nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// maxConflictRetries bounds how often a write transaction is replayed after
// losing a commit race to another writer.
const maxConflictRetries = 10

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction that fn must commit.
// The transaction is automatically discarded if fn returns an error.
// A write that fails with badger.ErrConflict is replayed in a fresh
// transaction, so fn must not keep state between calls.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	var err error
	for range maxConflictRetries {
		err = b.runTx(fn, isWrite)
		if !isWrite || !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug("transaction conflict, retrying")
	}
	return err
}

func (b *Backend) runTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	err := fn(tx)
	if errors.Is(err, badger.ErrDBClosed) {
		return storage.ErrStorageClosed
	}
	return err
}

// getValue reads key within tx. Returns nil, nil if the key doesn't exist.
func getValue(tx *badger.Txn, key []byte) ([]byte, error) {
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
