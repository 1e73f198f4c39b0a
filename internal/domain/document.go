package domain

import "time"

// MaxHeaderLevels is the deepest markdown header level tracked per chunk.
const MaxHeaderLevels = 6

// Document is an ingested file. Its ID is derived from the file content.
type Document struct {
	ID           string
	Namespace    Namespace
	Filename     string
	ContentType  string
	Hierarchical bool
	CreatedAt    time.Time
	ChunkCount   int
}

// Chunk is a contiguous span of a document, embedded and searchable on its own.
type Chunk struct {
	ID           string
	DocumentID   string
	Namespace    Namespace
	Index        int
	SectionPath  string
	SectionLevel int
	Headers      [MaxHeaderLevels]string
	Content      string
	Embedding    []float32
	CreatedAt    time.Time
}

// ScoredChunk is a chunk returned by a similarity search.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Filter narrows the candidate set of a similarity search. Every set field
// must match exactly.
type Filter struct {
	DocumentID  string
	SectionPath string
	// Headers[i] matches the level i+1 header. Empty entries match anything.
	Headers [MaxHeaderLevels]string
}

// Empty reports whether the filter matches every chunk.
func (f Filter) Empty() bool {
	return f.DocumentID == "" && f.SectionPath == "" && f.Headers == [MaxHeaderLevels]string{}
}

// Match reports whether c passes the filter.
func (f Filter) Match(c Chunk) bool {
	if f.DocumentID != "" && c.DocumentID != f.DocumentID {
		return false
	}
	if f.SectionPath != "" && c.SectionPath != f.SectionPath {
		return false
	}
	for i, h := range f.Headers {
		if h != "" && c.Headers[i] != h {
			return false
		}
	}
	return true
}

// ListOptions pages and filters a document listing.
type ListOptions struct {
	Skip   int
	Limit  int
	Search string
}

// SearchOptions pages and filters a similarity search.
type SearchOptions struct {
	Limit  int
	Offset int
	Filter Filter
}

// SearchQuery is a free-text similarity query.
type SearchQuery struct {
	Text      string
	Limit     int
	Offset    int
	Filter    Filter
	Namespace Namespace
}

// SearchResult represents a matching chunk with a relevance score.
type SearchResult struct {
	Chunk            Chunk
	Score            float64
	DocumentFilename string
}
