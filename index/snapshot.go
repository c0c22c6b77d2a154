// Package index provides the in-memory similarity index served to queries.
//
// A Snapshot is a flat, exhaustive cosine-similarity structure built from
// every stored (id, vector) pair. Snapshots are immutable; a Manager swaps
// in a new one atomically when the store's generation moves past the one a
// snapshot was built from, so in-flight readers keep the old snapshot.
package index

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/poiesic/mailvec/core"
)

var (
	// ErrLengthMismatch is returned when ids and vectors differ in length.
	ErrLengthMismatch = errors.New("ids and vectors must have the same length")

	// ErrSourceRequired is returned when a Manager is created without a source.
	ErrSourceRequired = errors.New("index source required")
)

// Hit is one ranked search result.
type Hit struct {
	ID    string
	Score float32
}

// Snapshot is an immutable flat index over a fixed set of vectors.
type Snapshot struct {
	ids        []string
	vectors    [][]float32
	norms      []float64
	dim        int
	generation uint64
}

// Empty returns a snapshot with no entries.
func Empty(generation uint64) *Snapshot {
	return &Snapshot{generation: generation}
}

// Build creates a snapshot over ids and vectors. Magnitudes are computed once
// here so a query costs one dot product per entry.
// All vectors must share one dimension.
func Build(ids []string, vectors [][]float32, generation uint64) (*Snapshot, error) {
	if len(ids) != len(vectors) {
		return nil, ErrLengthMismatch
	}
	s := &Snapshot{
		ids:        ids,
		vectors:    vectors,
		norms:      make([]float64, len(vectors)),
		generation: generation,
	}
	for i, v := range vectors {
		if i == 0 {
			s.dim = len(v)
		} else if len(v) != s.dim {
			return nil, fmt.Errorf("%w: entry %q has %d, expected %d", core.ErrDimensionMismatch, ids[i], len(v), s.dim)
		}
		s.norms[i] = norm(v)
	}
	return s, nil
}

// Len returns the number of entries.
func (s *Snapshot) Len() int {
	return len(s.ids)
}

// Dimension returns the vector dimension, or 0 for an empty snapshot.
func (s *Snapshot) Dimension() int {
	return s.dim
}

// Generation returns the store generation the snapshot was built from.
func (s *Snapshot) Generation() uint64 {
	return s.generation
}

// Search returns the k entries most similar to query by cosine similarity,
// highest first. Entries with equal scores keep build order. A zero vector
// (stored or queried) scores 0 against everything, so the result always has
// min(k, Len()) hits.
func (s *Snapshot) Search(query []float32, k int) ([]Hit, error) {
	if k < 1 {
		return nil, core.ErrInvalidK
	}
	if len(s.ids) == 0 {
		return []Hit{}, nil
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", core.ErrDimensionMismatch, len(query), s.dim)
	}

	qnorm := norm(query)
	hits := make([]Hit, len(s.ids))
	for i, v := range s.vectors {
		hits[i] = Hit{ID: s.ids[i], Score: cosine(query, v, qnorm, s.norms[i])}
	}

	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func cosine(a, b []float32, anorm, bnorm float64) float32 {
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (anorm * bnorm))
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}
