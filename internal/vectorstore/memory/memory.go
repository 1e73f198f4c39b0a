package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore"
)

type docKey struct {
	ns domain.Namespace
	id string
}

// Storage is a simple in-memory vector store using brute-force cosine similarity.
type Storage struct {
	mu        sync.RWMutex
	dimension int
	docs      map[docKey]domain.Document
	chunks    map[docKey][]domain.Chunk
}

func NewStorage(dimension int) (*Storage, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", domain.ErrInvalidConfig, dimension)
	}
	return &Storage{
		dimension: dimension,
		docs:      make(map[docKey]domain.Document),
		chunks:    make(map[docKey][]domain.Chunk),
	}, nil
}

func (s *Storage) Dimension() int { return s.dimension }

func (s *Storage) PutDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	if err := ctx.Err(); err != nil {
		return domain.CanceledError(err)
	}
	if err := vectorstore.ValidatePut(doc, chunks, s.dimension); err != nil {
		return err
	}
	stored := cloneChunks(chunks)
	key := docKey{doc.Namespace, doc.ID}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = doc
	s.chunks[key] = stored
	return nil
}

func (s *Storage) GetDocument(ctx context.Context, ns domain.Namespace, id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey{ns, id}]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	return doc, nil
}

func (s *Storage) ListDocuments(ctx context.Context, ns domain.Namespace, opts domain.ListOptions) ([]domain.Document, int, error) {
	opts, err := vectorstore.NormalizeList(opts)
	if err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var docs []domain.Document
	for key, doc := range s.docs {
		if key.ns == ns && vectorstore.MatchFilename(doc.Filename, opts.Search) {
			docs = append(docs, doc)
		}
	}
	s.mu.RUnlock()
	vectorstore.SortDocuments(docs)
	return vectorstore.Page(docs, opts.Skip, opts.Limit), len(docs), nil
}

func (s *Storage) GetChunks(ctx context.Context, ns domain.Namespace, documentID string) ([]domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := docKey{ns, documentID}
	if _, ok := s.docs[key]; !ok {
		return nil, fmt.Errorf("document %s in %s: %w", documentID, ns, domain.ErrNotFound)
	}
	return cloneChunks(s.chunks[key]), nil
}

func (s *Storage) GetDocumentWithChunks(ctx context.Context, ns domain.Namespace, id string) (domain.Document, []domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := docKey{ns, id}
	doc, ok := s.docs[key]
	if !ok {
		return domain.Document{}, nil, fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	return doc, cloneChunks(s.chunks[key]), nil
}

func (s *Storage) DeleteDocument(ctx context.Context, ns domain.Namespace, id string) error {
	if err := ctx.Err(); err != nil {
		return domain.CanceledError(err)
	}
	key := docKey{ns, id}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; !ok {
		return fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	delete(s.docs, key)
	delete(s.chunks, key)
	return nil
}

func (s *Storage) SimilaritySearch(ctx context.Context, ns domain.Namespace, vector []float32, opts domain.SearchOptions) ([]domain.ScoredChunk, int, error) {
	if err := vectorstore.ValidateSearch(vector, s.dimension, opts); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	var hits []domain.ScoredChunk
	for key, chunks := range s.chunks {
		if !ns.Contains(key.ns) {
			continue
		}
		for _, c := range chunks {
			if !opts.Filter.Match(c) {
				continue
			}
			hits = append(hits, domain.ScoredChunk{Chunk: c, Score: vectorstore.Cosine(vector, c.Embedding)})
		}
	}
	vectorstore.Rank(hits)
	page := vectorstore.Page(hits, opts.Offset, opts.Limit)
	for i := range page {
		page[i].Chunk.Embedding = slices.Clone(page[i].Chunk.Embedding)
	}
	s.mu.RUnlock()
	return page, len(hits), nil
}

func (s *Storage) ListNamespaces(ctx context.Context, prefix domain.Namespace, maxDepth int) ([]domain.Namespace, error) {
	s.mu.RLock()
	all := make([]domain.Namespace, 0, len(s.docs))
	for key := range s.docs {
		all = append(all, key.ns)
	}
	s.mu.RUnlock()
	return vectorstore.CollectNamespaces(all, prefix, maxDepth), nil
}

func (s *Storage) Close() error { return nil }

// cloneChunks copies chunks together with their embeddings, so callers and the
// store never share a vector.
func cloneChunks(chunks []domain.Chunk) []domain.Chunk {
	out := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c.Embedding = slices.Clone(c.Embedding)
		out[i] = c
	}
	return out
}
