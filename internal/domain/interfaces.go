package domain

import "context"

// Embedder converts free text into a fixed-dimension vector.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor turns uploaded bytes into plain text.
// Unknown content types fail with ErrUnsupportedFormat.
type Extractor interface {
	Extract(data []byte, contentType string) (string, error)
}

// Store persists documents and their chunks and supports similarity search.
// Implementations own record shape and addressing only.
type Store interface {
	// PutDocument writes doc and replaces its whole chunk set in one step.
	// Readers never observe doc with a chunk count that differs from its stored chunks.
	PutDocument(ctx context.Context, doc Document, chunks []Chunk) error
	GetDocument(ctx context.Context, ns Namespace, id string) (Document, error)
	// ListDocuments orders by creation time, newest first. total ignores Skip/Limit.
	ListDocuments(ctx context.Context, ns Namespace, opts ListOptions) (docs []Document, total int, err error)
	// GetChunks returns the chunks of a document ordered by index.
	GetChunks(ctx context.Context, ns Namespace, documentID string) ([]Chunk, error)
	// GetDocumentWithChunks reads a document and its chunks from one snapshot,
	// so ChunkCount always equals len(chunks).
	GetDocumentWithChunks(ctx context.Context, ns Namespace, id string) (Document, []Chunk, error)
	// DeleteDocument removes a document and all of its chunks.
	DeleteDocument(ctx context.Context, ns Namespace, id string) error
	// SimilaritySearch ranks chunks under ns by cosine similarity, ties broken by chunk ID.
	SimilaritySearch(ctx context.Context, ns Namespace, vector []float32, opts SearchOptions) (hits []ScoredChunk, total int, err error)
	// ListNamespaces returns distinct namespaces under prefix, cut to maxDepth segments.
	ListNamespaces(ctx context.Context, prefix Namespace, maxDepth int) ([]Namespace, error)
	Dimension() int
	Close() error
}
