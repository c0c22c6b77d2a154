// Package reembed re-encodes every stored document with the current embedder.
//
// It is used after switching embedding models, or to repair documents that
// were stored with a zero vector because encoding failed during ingestion.
// Documents are processed in batches with retry and exponential backoff, and
// once every vector is replaced all conversation aggregates are recomputed
// from the fresh vectors.
package reembed
