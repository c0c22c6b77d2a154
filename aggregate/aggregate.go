// Package aggregate maintains per-conversation mean embeddings.
//
// An aggregate stores the mean vector of every document merged into a
// conversation together with the number of merged documents. New documents
// are folded in with a weighted merge,
//
//	new = (v_old*c_old + S) / (c_old + n),  count = c_old + n
//
// where S is the sum of the n new vectors. The result equals the mean over
// the full history without re-reading earlier documents.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/poiesic/mailvec/core"
)

// ErrNoVectors is returned when a merge is requested with nothing to merge.
var ErrNoVectors = errors.New("no vectors to merge")

// Merge folds vectors into prior and returns the new aggregate for conversationID.
// prior may be nil for a conversation seen for the first time. prior is not modified.
func Merge(conversationID string, prior *core.ConversationAggregate, vectors [][]float32) (*core.ConversationAggregate, error) {
	if len(vectors) == 0 {
		return nil, ErrNoVectors
	}

	dim := len(vectors[0])
	if prior != nil && prior.EmailCount > 0 {
		dim = len(prior.Vector)
	}

	sum := make([]float64, dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: conversation %q vector %d has %d components, want %d",
				core.ErrDimensionMismatch, conversationID, i, len(v), dim)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	n := len(vectors)
	count := n
	if prior != nil && prior.EmailCount > 0 {
		for j, x := range prior.Vector {
			sum[j] += float64(x) * float64(prior.EmailCount)
		}
		count += prior.EmailCount
	}

	mean := make([]float32, dim)
	for j := range sum {
		mean[j] = float32(sum[j] / float64(count))
	}

	return &core.ConversationAggregate{
		ConversationID: conversationID,
		EmailCount:     count,
		Vector:         mean,
	}, nil
}

// Mean returns the arithmetic mean of vectors.
func Mean(vectors [][]float32) ([]float32, error) {
	agg, err := Merge("", nil, vectors)
	if err != nil {
		return nil, err
	}
	return agg.Vector, nil
}

// ConversationIDs returns the distinct non-empty conversation IDs of docs in first-seen order.
func ConversationIDs(docs []*core.Document) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, doc := range docs {
		if doc.ConversationID == "" {
			continue
		}
		if _, ok := seen[doc.ConversationID]; ok {
			continue
		}
		seen[doc.ConversationID] = struct{}{}
		ids = append(ids, doc.ConversationID)
	}
	return ids
}

// Batch groups newly inserted documents by conversation and merges each group into
// its prior aggregate. Documents without a conversation ID are skipped.
// Aggregates are returned in the order their conversations first appear in inserted.
func Batch(inserted []*core.Document, prior map[string]*core.ConversationAggregate) ([]*core.ConversationAggregate, error) {
	groups := make(map[string][][]float32)
	for _, doc := range inserted {
		if doc.ConversationID == "" {
			continue
		}
		groups[doc.ConversationID] = append(groups[doc.ConversationID], doc.Vector)
	}

	ids := ConversationIDs(inserted)
	result := make([]*core.ConversationAggregate, 0, len(ids))
	for _, id := range ids {
		merged, err := Merge(id, prior[id], groups[id])
		if err != nil {
			return nil, err
		}
		result = append(result, merged)
	}
	return result, nil
}

// Rebuild recomputes aggregates from scratch for every conversation in docs.
// It is used after a full re-embedding, when previous aggregates no longer
// describe the stored vectors.
func Rebuild(docs []*core.Document) ([]*core.ConversationAggregate, error) {
	return Batch(docs, nil)
}
