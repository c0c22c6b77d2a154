package search

import (
	"github.com/poiesic/mailvec/core"
	"github.com/poiesic/mailvec/index"
)

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(query string, k int)
	AfterQueryEmbedding(dimension int)
	AfterIndexSearch(generation uint64, hits []index.Hit)
	AfterRecordRetrieval(docs []*core.Document)
	Finish(results []*core.SearchResult)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string, _ int)                    {}
func (n *noopMonitor) AfterQueryEmbedding(_ int)                {}
func (n *noopMonitor) AfterIndexSearch(_ uint64, _ []index.Hit) {}
func (n *noopMonitor) AfterRecordRetrieval(_ []*core.Document)  {}
func (n *noopMonitor) Finish(_ []*core.SearchResult)            {}
