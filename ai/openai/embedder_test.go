package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/mailvec/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEmbeddingServer serves /v1/embeddings, returning [index, len(input)] for every input.
func newEmbeddingServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			data[i] = item{Object: "embedding", Embedding: []float32{float32(i), float32(len(text))}, Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
}

func TestEmbedderAgainstCompatibleServer(t *testing.T) {
	var calls atomic.Int32
	server := newEmbeddingServer(t, &calls)
	defer server.Close()

	embedder, err := NewEmbedder(ai.NewConfig(
		ai.WithEmbeddingHost(server.URL),
		ai.WithEmbeddingModel("test-model"),
	))
	require.NoError(t, err)

	vectors, err := embedder.EmbedTexts(context.Background(), []string{"hello", "wide world"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0, 5}, vectors[0])
	assert.Equal(t, []float32{1, 10}, vectors[1])

	vector, err := embedder.EmbedText(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 3}, vector)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestEmbedderServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	embedder, err := NewEmbedder(ai.NewConfig(ai.WithEmbeddingHost(server.URL)))
	require.NoError(t, err)

	_, err = embedder.EmbedTexts(context.Background(), []string{"hello"})
	assert.Error(t, err)
}

func TestNewEmbedderInvalidConfig(t *testing.T) {
	_, err := NewEmbedder(&ai.Config{})
	assert.Error(t, err)

	_, err = NewProvider(&ai.Config{EmbeddingHost: "http://localhost:11434"})
	assert.Error(t, err)
}

func TestNewLimiter(t *testing.T) {
	unlimited := newLimiter(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, unlimited.Wait(ctx))
	}

	limited := newLimiter(0.5)
	assert.Equal(t, 1, limited.Burst())
	require.NoError(t, limited.Wait(ctx), "first token is available immediately")
	assert.Error(t, limited.Wait(ctx), "second token would exceed the deadline")
}
