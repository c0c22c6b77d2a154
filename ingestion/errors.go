package ingestion

import "errors"

var (
	// ErrStoreRequired is returned when a store is not provided.
	ErrStoreRequired = errors.New("store required")

	// ErrAIProviderRequired is returned when an AI provider is not provided.
	ErrAIProviderRequired = errors.New("AI provider required")

	// ErrInvalidBatchSize is returned for a non-positive batch size.
	ErrInvalidBatchSize = errors.New("batch size must be greater than 0")

	// ErrInvalidDimension is returned when the embedding dimension cannot be determined.
	ErrInvalidDimension = errors.New("embedding dimension must be greater than 0")

	// ErrUnknownMode is returned by ParseMode for an unrecognized mode.
	ErrUnknownMode = errors.New("unknown ingestion mode")
)
