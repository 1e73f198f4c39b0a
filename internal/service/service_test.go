package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ragindex/internal/chunker"
	"ragindex/internal/domain"
	"ragindex/internal/embedding/hashing"
	"ragindex/internal/extract"
	"ragindex/internal/metrics"
	"ragindex/internal/vectorstore/memory"
)

const testDimension = 256

// stubEmbedder counts calls per text and delegates to fn, or to a hashing
// embedder when fn is nil.
type stubEmbedder struct {
	dim  int
	fn   func(text string, attempt int) ([]float32, error)
	base *hashing.Embedder

	mu    sync.Mutex
	calls map[string]int
}

func newStubEmbedder(t *testing.T, dim int, fn func(text string, attempt int) ([]float32, error)) *stubEmbedder {
	t.Helper()
	base, err := hashing.NewEmbedder(dim)
	require.NoError(t, err)
	return &stubEmbedder{dim: dim, fn: fn, base: base, calls: make(map[string]int)}
}

func (e *stubEmbedder) Name() string   { return "stub" }
func (e *stubEmbedder) Dimension() int { return e.dim }

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls[text]++
	attempt := e.calls[text]
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(text, attempt)
	}
	return e.base.Embed(ctx, text)
}

func (e *stubEmbedder) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

type fixture struct {
	ingest   *IngestionService
	search   *SearchService
	store    *memory.Storage
	embedder *stubEmbedder
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T, embedder *stubEmbedder, mutate func(*IngestionOptions)) *fixture {
	t.Helper()
	if embedder == nil {
		embedder = newStubEmbedder(t, testDimension, nil)
	}
	store, err := memory.NewStorage(embedder.Dimension())
	require.NoError(t, err)
	splitter, err := chunker.New(chunker.Options{ChunkSize: 60, OverlapRatio: 0.1})
	require.NoError(t, err)
	m := metrics.New()
	opts := IngestionOptions{
		Namespace:      domain.DefaultNamespace,
		MaxConcurrency: 4,
		CallTimeout:    time.Second,
		RetryAttempts:  0,
		RetryBackoff:   time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	ing, err := NewIngestionService(store, embedder, extract.New(), splitter, opts, m)
	require.NoError(t, err)
	srch, err := NewSearchService(store, embedder, SearchOptions{DefaultLimit: 5, MaxLimit: 100, CacheSize: 16}, m)
	require.NoError(t, err)
	return &fixture{ingest: ing, search: srch, store: store, embedder: embedder, metrics: m}
}

func markdown(filename, body string) IngestRequest {
	return IngestRequest{Filename: filename, ContentType: "text/markdown", Data: []byte(body), Hierarchical: true}
}

func failOn(marker string) func(string, int) ([]float32, error) {
	return func(text string, _ int) ([]float32, error) {
		if strings.Contains(text, marker) {
			return nil, fmt.Errorf("%w: upstream 503", domain.ErrProviderUnavailable)
		}
		vec := make([]float32, testDimension)
		vec[0] = 1
		return vec, nil
	}
}
