// Package vectorstore holds the ranking and validation rules every
// domain.Store backend shares, so results agree across backends.
package vectorstore

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"ragindex/internal/domain"
)

// Listing limits applied when ListOptions leaves them open.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Cosine returns the cosine similarity of a and b, or 0 when either is a zero vector.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank orders hits by score descending, ties by chunk ID ascending.
func Rank(hits []domain.ScoredChunk) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
}

// Page returns items[offset:offset+limit], clamped to the slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) || limit <= 0 {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// SortDocuments orders documents newest first, ties by ID ascending.
func SortDocuments(docs []domain.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

// MatchFilename reports whether filename contains search, ignoring case.
func MatchFilename(filename, search string) bool {
	return search == "" || strings.Contains(strings.ToLower(filename), strings.ToLower(search))
}

// NormalizeList validates opts and fills in the default limit.
func NormalizeList(opts domain.ListOptions) (domain.ListOptions, error) {
	if opts.Skip < 0 || opts.Limit < 0 {
		return opts, fmt.Errorf("%w: skip and limit must not be negative", domain.ErrInvalidInput)
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		return opts, fmt.Errorf("%w: limit %d exceeds %d", domain.ErrInvalidInput, opts.Limit, MaxListLimit)
	}
	return opts, nil
}

// ValidateSearch checks the query vector and paging of a similarity search.
func ValidateSearch(vector []float32, dimension int, opts domain.SearchOptions) error {
	if opts.Limit < 0 || opts.Offset < 0 {
		return fmt.Errorf("%w: limit and offset must not be negative", domain.ErrInvalidInput)
	}
	if len(vector) != dimension {
		return domain.DimensionError("query vector", len(vector), dimension)
	}
	return nil
}

// ValidatePut checks that chunks belong to doc, are indexed 0..n-1 in order
// and carry vectors of the store dimension.
func ValidatePut(doc domain.Document, chunks []domain.Chunk, dimension int) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", domain.ErrInvalidInput)
	}
	if doc.Namespace == "" {
		return fmt.Errorf("%w: document namespace is empty", domain.ErrInvalidInput)
	}
	if doc.ChunkCount != len(chunks) {
		return fmt.Errorf("%w: document declares %d chunks, got %d", domain.ErrInvalidInput, doc.ChunkCount, len(chunks))
	}
	for i, c := range chunks {
		if c.DocumentID != doc.ID || c.Namespace != doc.Namespace {
			return fmt.Errorf("%w: chunk %d does not belong to document %s", domain.ErrInvalidInput, i, doc.ID)
		}
		if c.Index != i {
			return fmt.Errorf("%w: chunk at position %d has index %d", domain.ErrInvalidInput, i, c.Index)
		}
		if len(c.Embedding) != dimension {
			return domain.DimensionError(fmt.Sprintf("chunk %d", i), len(c.Embedding), dimension)
		}
	}
	return nil
}

// CollectNamespaces returns the distinct namespaces under prefix, each cut to
// maxDepth segments (0 keeps them whole), sorted.
func CollectNamespaces(all []domain.Namespace, prefix domain.Namespace, maxDepth int) []domain.Namespace {
	seen := make(map[domain.Namespace]struct{}, len(all))
	out := make([]domain.Namespace, 0, len(all))
	for _, ns := range all {
		if !prefix.Contains(ns) {
			continue
		}
		ns = ns.Truncate(maxDepth)
		if _, ok := seen[ns]; ok {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
