package main

import (
	"log/slog"
	"time"

	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/index"
	"github.com/poiesic/mailvec/search"
)

// logMonitor logs each stage of a query at debug level with its elapsed time.
type logMonitor struct {
	logger *slog.Logger
	start  time.Time
}

var _ search.SearchMonitor = (*logMonitor)(nil)

func newLogMonitor(logger *slog.Logger) *logMonitor {
	return &logMonitor{logger: logger.With("component", "query")}
}

func (m *logMonitor) Start(query string, k int) {
	m.start = time.Now()
	m.logger.Debug("query started", "query", query, "k", k)
}

func (m *logMonitor) AfterQueryEmbedding(dimension int) {
	m.logger.Debug("query embedded", "dimension", dimension, "elapsed", time.Since(m.start))
}

func (m *logMonitor) AfterIndexSearch(generation uint64, hits []index.Hit) {
	m.logger.Debug("index searched", "generation", generation, "hits", len(hits), "elapsed", time.Since(m.start))
}

func (m *logMonitor) AfterRecordRetrieval(docs []*core.Document) {
	m.logger.Debug("documents retrieved", "count", len(docs), "elapsed", time.Since(m.start))
}

func (m *logMonitor) Finish(results []*core.SearchResult) {
	m.logger.Debug("query finished", "results", len(results), "elapsed", time.Since(m.start))
}
