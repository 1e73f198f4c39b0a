// Package embedding drives embedding calls for a batch of chunk texts.
package embedding

import (
	"context"

	"ragindex/internal/domain"
)

// EmbedFunc computes the vector for one text.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// WithDimension rejects vectors whose length differs from want.
func WithDimension(fn EmbedFunc, want int) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec, err := fn(ctx, text)
		if err != nil {
			return nil, err
		}
		if len(vec) != want {
			return nil, domain.DimensionError("embedding", len(vec), want)
		}
		return vec, nil
	}
}

// FromEmbedder adapts e to an EmbedFunc.
func FromEmbedder(e domain.Embedder) EmbedFunc {
	return e.Embed
}
