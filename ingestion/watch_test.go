package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mail.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("ingestion failures are logged, not returned")
		}, nil)
	}()

	// Other files in the directory are ignored.
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("[]"), 0o600))
		require.NoError(t, os.WriteFile(path, []byte("[ ]"), 0o600))
		return calls.Load() > 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "missing", "mail.json"), 0, func(context.Context) error {
		return nil
	}, nil)
	assert.Error(t, err)
}
