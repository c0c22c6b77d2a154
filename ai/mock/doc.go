// Package mock provides test double implementations of the ai interfaces.
//
// The mocks let tests run without an embedding service and give controlled,
// deterministic behavior.
//
// # Usage in Tests
//
//	// Default behavior: deterministic unit vectors derived from the text hash
//	embedder := mock.NewMockEmbedderWithDimension(8)
//	vectors, err := embedder.EmbedTexts(ctx, []string{"hello", "world"})
//
//	// Custom behavior injection
//	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
//	    return nil, errors.New("service unavailable")
//	}
//
//	// Check call counts
//	count := embedder.CallCount()
//
// Identical text always maps to the identical vector, which makes
// self-retrieval and aggregate assertions exact.
package mock
