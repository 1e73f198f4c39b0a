package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ragindex/internal/domain"
	"ragindex/internal/logger"
	"ragindex/internal/metrics"
)

// SearchOptions is the explicit configuration of a SearchService.
type SearchOptions struct {
	// Namespace is searched when a query names none.
	Namespace    domain.Namespace
	DefaultLimit int
	MaxLimit     int
	// CacheSize bounds the query-vector cache. Zero disables it.
	CacheSize    int
	StoreTimeout time.Duration
}

// SearchResponse is one page of search results.
type SearchResponse struct {
	Query     string
	Namespace domain.Namespace
	Results   []domain.SearchResult
	// Total counts every chunk matching the namespace and filter.
	Total  int
	Limit  int
	Offset int
}

// SearchService answers free-text similarity queries.
type SearchService struct {
	store    domain.Store
	embedder domain.Embedder
	cache    *lru.Cache[string, []float32]
	metrics  *metrics.Metrics
	opts     SearchOptions
}

// NewSearchService wires the search path. m may be nil.
func NewSearchService(store domain.Store, embedder domain.Embedder, opts SearchOptions, m *metrics.Metrics) (*SearchService, error) {
	if store == nil || embedder == nil {
		return nil, fmt.Errorf("%w: search service needs a store and an embedder", domain.ErrInvalidConfig)
	}
	if opts.Namespace == "" {
		opts.Namespace = domain.DefaultNamespace
	}
	if opts.MaxLimit <= 0 {
		return nil, fmt.Errorf("%w: max limit must be positive, got %d", domain.ErrInvalidConfig, opts.MaxLimit)
	}
	if opts.DefaultLimit <= 0 || opts.DefaultLimit > opts.MaxLimit {
		return nil, fmt.Errorf("%w: default limit must be in 1..%d, got %d", domain.ErrInvalidConfig, opts.MaxLimit, opts.DefaultLimit)
	}
	s := &SearchService{store: store, embedder: embedder, metrics: m, opts: opts}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, []float32](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: query cache: %w", domain.ErrInvalidConfig, err)
		}
		s.cache = cache
	}
	return s, nil
}

// DefaultLimit is the page size transports use when the caller gives none.
func (s *SearchService) DefaultLimit() int { return s.opts.DefaultLimit }

// Search embeds q.Text and returns the requested page of ranked chunks.
// A zero limit returns no results but still reports the total.
func (s *SearchService) Search(ctx context.Context, q domain.SearchQuery) (*SearchResponse, error) {
	start := time.Now()
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: query text is empty", domain.ErrInvalidInput)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", domain.ErrInvalidInput)
	}
	if q.Limit > s.opts.MaxLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds %d", domain.ErrInvalidInput, q.Limit, s.opts.MaxLimit)
	}
	ns := s.opts.Namespace
	if q.Namespace != "" {
		parsed, err := domain.ParseNamespace(string(q.Namespace))
		if err != nil {
			return nil, err
		}
		ns = parsed
	}

	vector, err := s.queryVector(ctx, text)
	if err != nil {
		return nil, err
	}

	storeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()
	hits, total, err := s.store.SimilaritySearch(storeCtx, ns, vector, domain.SearchOptions{
		Limit:  q.Limit,
		Offset: q.Offset,
		Filter: q.Filter,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	results, err := s.withFilenames(storeCtx, hits)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}
	logger.FromContext(ctx).Debug("Search served",
		"namespace", ns, "limit", q.Limit, "offset", q.Offset, "results", len(results), "total", total)
	return &SearchResponse{
		Query:     text,
		Namespace: ns,
		Results:   results,
		Total:     total,
		Limit:     q.Limit,
		Offset:    q.Offset,
	}, nil
}

// Namespaces lists the namespaces under prefix, cut to maxDepth segments.
func (s *SearchService) Namespaces(ctx context.Context, prefix domain.Namespace, maxDepth int) ([]domain.Namespace, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("%w: max depth must not be negative", domain.ErrInvalidInput)
	}
	if prefix != "" {
		parsed, err := domain.ParseNamespace(string(prefix))
		if err != nil {
			return nil, err
		}
		prefix = parsed
	}
	storeCtx, cancel := storeContext(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.ListNamespaces(storeCtx, prefix, maxDepth)
}

func (s *SearchService) queryVector(ctx context.Context, text string) ([]float32, error) {
	key := s.embedder.Name() + "\x00" + text
	if s.cache != nil {
		if vec, ok := s.cache.Get(key); ok {
			if s.metrics != nil {
				s.metrics.QueryCacheHits.Inc()
			}
			return slices.Clone(vec), nil
		}
		if s.metrics != nil {
			s.metrics.QueryCacheMiss.Inc()
		}
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if want := s.store.Dimension(); len(vec) != want {
		return nil, domain.DimensionError("query vector", len(vec), want)
	}
	if s.cache != nil {
		s.cache.Add(key, slices.Clone(vec))
	}
	return vec, nil
}

// withFilenames joins each hit with its document filename, one lookup per document.
func (s *SearchService) withFilenames(ctx context.Context, hits []domain.ScoredChunk) ([]domain.SearchResult, error) {
	type docKey struct {
		ns domain.Namespace
		id string
	}
	names := make(map[docKey]string)
	results := make([]domain.SearchResult, len(hits))
	for i, h := range hits {
		key := docKey{h.Chunk.Namespace, h.Chunk.DocumentID}
		name, ok := names[key]
		if !ok {
			doc, err := s.store.GetDocument(ctx, key.ns, key.id)
			switch {
			case err == nil:
				name = doc.Filename
			case errors.Is(err, domain.ErrNotFound):
				// deleted between the search and the lookup
			default:
				return nil, fmt.Errorf("look up document %s: %w", key.id, err)
			}
			names[key] = name
		}
		results[i] = domain.SearchResult{Chunk: h.Chunk, Score: h.Score, DocumentFilename: name}
	}
	return results, nil
}
