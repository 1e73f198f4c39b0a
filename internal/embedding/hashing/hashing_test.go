package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestEmbedder(t *testing.T) {
	e, err := NewEmbedder(256)
	require.NoError(t, err)

	t.Run("Should produce normalised vectors of the configured size", func(t *testing.T) {
		v, err := e.Embed(t.Context(), "Vector databases rank embeddings")
		require.NoError(t, err)
		assert.Len(t, v, 256)
		assert.InDelta(t, 1.0, cosine(v, v), 1e-6)
		assert.Equal(t, 256, e.Dimension())
	})

	t.Run("Should be deterministic", func(t *testing.T) {
		a, _ := e.Embed(t.Context(), "same text")
		b, _ := e.Embed(t.Context(), "same text")
		assert.Equal(t, a, b)
	})

	t.Run("Should score related text above unrelated text", func(t *testing.T) {
		q, _ := e.Embed(t.Context(), "vector database")
		related, _ := e.Embed(t.Context(), "A vector database stores embeddings.")
		unrelated, _ := e.Embed(t.Context(), "Bake bread at high temperature.")
		assert.Greater(t, cosine(q, related), cosine(q, unrelated))
	})

	t.Run("Should return the zero vector for stopword-only text", func(t *testing.T) {
		v, err := e.Embed(t.Context(), "the and of")
		require.NoError(t, err)
		assert.Len(t, v, 256)
		assert.Zero(t, cosine(v, v))
	})

	t.Run("Should honour cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := e.Embed(ctx, "text")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewEmbedder_InvalidDimension(t *testing.T) {
	_, err := NewEmbedder(0)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
