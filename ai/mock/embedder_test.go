package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/mailvec/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedderDeterministic(t *testing.T) {
	embedder := NewMockEmbedderWithDimension(16)
	ctx := context.Background()

	a, err := embedder.EmbedText(ctx, "hello")
	require.NoError(t, err)
	b, err := embedder.EmbedText(ctx, "hello")
	require.NoError(t, err)
	c, err := embedder.EmbedText(ctx, "world")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
	assert.InDelta(t, 1.0, core.Magnitude(a), 1e-5)

	batch, err := embedder.EmbedTexts(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{a, c}, batch)
	assert.Equal(t, 4, embedder.CallCount())
}

func TestMockEmbedderInjection(t *testing.T) {
	embedder := NewMockEmbedder()
	boom := errors.New("boom")
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		return nil, boom
	}

	_, err := embedder.EmbedTexts(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, boom)

	embedder.Reset()
	assert.Equal(t, 0, embedder.CallCount())
	vectors, err := embedder.EmbedTexts(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors[0], DefaultDimension)
}

func TestMockProvider(t *testing.T) {
	provider := NewMockProvider()
	require.NotNil(t, provider.Embedder())

	mp := provider.(*MockProvider)
	assert.Same(t, mp.GetMockEmbedder(), provider.Embedder())
	require.NoError(t, provider.Close())
	assert.True(t, mp.Closed())
}
