// Package ingestion provides pipeline orchestration for loading emails into a store.
//
// The Pipeline type manages the ingestion workflow, including:
//   - Filtering out documents whose IDs are already stored
//   - Generating embeddings in fixed-size batches
//   - Writing each batch with its conversation aggregates in one transaction
//   - Rebuilding the similarity indexes once rows were inserted
//
// A batch whose embedding call fails is retried item by item on a worker
// pool. Items that still fail are stored with a zero vector and reported as
// core.EncodeError in the logs and the run Result; no document is dropped
// because of an embedding failure. A store failure aborts the run with a
// core.UpsertError; batches committed before it stay committed.
//
// Runs are serialized: a Pipeline is the single writer of its store.
package ingestion
