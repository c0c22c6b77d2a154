package index

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager owns the snapshot served to queries and rebuilds it when the
// store moves on. Concurrent rebuild requests share one build.
type Manager struct {
	source  Source
	name    string
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	group   singleflight.Group

	mu        sync.Mutex
	builtAt   time.Time
	lastError error
	rebuilds  int64
}

// Option configures a Manager.
type Option func(*Manager) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
		return nil
	}
}

// WithName labels the manager in log output.
func WithName(name string) Option {
	return func(m *Manager) error {
		m.name = name
		return nil
	}
}

// NewManager creates a manager over source. No snapshot is built until the
// first call to Fresh or Rebuild.
func NewManager(source Source, opts ...Option) (*Manager, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}
	m := &Manager{
		source: source,
		name:   "documents",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.logger = m.logger.With("component", "index", "index", m.name)
	return m, nil
}

// Current returns the snapshot being served without checking freshness.
// Before the first build it returns an empty snapshot.
func (m *Manager) Current() *Snapshot {
	if s := m.current.Load(); s != nil {
		return s
	}
	return Empty(0)
}

// Fresh returns a snapshot that includes every write committed before the
// call. It rebuilds when the store generation is ahead of the current
// snapshot. If the rebuild fails and an older snapshot exists, the older
// snapshot is served and the failure is logged and kept for Stats.
func (m *Manager) Fresh(ctx context.Context) (*Snapshot, error) {
	current := m.current.Load()
	gen, err := m.source.Generation(ctx)
	if err != nil {
		if current != nil {
			m.recordError(err)
			m.logger.Warn("serving stale index, generation check failed", "error", err)
			return current, nil
		}
		return nil, err
	}
	if current != nil && current.Generation() >= gen {
		return current, nil
	}

	for {
		snapshot, err := m.Rebuild(ctx)
		if err != nil {
			if current != nil {
				m.logger.Warn("serving stale index, rebuild failed",
					"generation", current.Generation(), "storeGeneration", gen, "error", err)
				return current, nil
			}
			return nil, err
		}
		if snapshot.Generation() >= gen {
			return snapshot, nil
		}
		// Joined a build that started before gen was committed. The next
		// build starts after this one finished, so it sees at least gen.
		m.logger.Debug("joined stale rebuild, building again",
			"generation", snapshot.Generation(), "storeGeneration", gen)
		current = snapshot
	}
}

// Rebuild builds a new snapshot from the source and swaps it in.
// Callers arriving while a rebuild runs wait for and share its result.
func (m *Manager) Rebuild(ctx context.Context) (*Snapshot, error) {
	v, err, _ := m.group.Do("rebuild", func() (any, error) {
		start := time.Now()
		snapshot, err := BuildFrom(ctx, m.source)
		if err != nil {
			m.recordError(err)
			return nil, err
		}
		m.current.Store(snapshot)

		m.mu.Lock()
		m.builtAt = time.Now()
		m.lastError = nil
		m.rebuilds++
		m.mu.Unlock()

		m.logger.Debug("index rebuilt",
			"size", snapshot.Len(),
			"generation", snapshot.Generation(),
			"elapsed", time.Since(start))
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastError = err
	m.mu.Unlock()
}

// Stats describes the snapshot a Manager currently serves.
type Stats struct {
	Size       int
	Dimension  int
	Generation uint64
	BuiltAt    time.Time
	LastError  error
	Rebuilds   int64
}

// Stats reports the served snapshot and the last rebuild outcome.
func (m *Manager) Stats() Stats {
	s := m.Current()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Size:       s.Len(),
		Dimension:  s.Dimension(),
		Generation: s.Generation(),
		BuiltAt:    m.builtAt,
		LastError:  m.lastError,
		Rebuilds:   m.rebuilds,
	}
}
