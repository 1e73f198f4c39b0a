// Package storetest is a behaviour suite every domain.Store backend must pass.
package storetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
)

// Dimension is the vector size stores under test must be opened with.
const Dimension = 3

const ns = domain.Namespace("rag/documents")

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixture builds a document with one chunk per vector.
func Fixture(id, filename string, created time.Time, vectors ...[]float32) (domain.Document, []domain.Chunk) {
	doc := domain.Document{
		ID:          id,
		Namespace:   ns,
		Filename:    filename,
		ContentType: "text/markdown",
		CreatedAt:   created,
		ChunkCount:  len(vectors),
	}
	chunks := make([]domain.Chunk, len(vectors))
	for i, v := range vectors {
		chunks[i] = domain.Chunk{
			ID:          fmt.Sprintf("%s-%02d", id, i),
			DocumentID:  id,
			Namespace:   ns,
			Index:       i,
			SectionPath: "Intro",
			Headers:     [domain.MaxHeaderLevels]string{"Intro"},
			Content:     fmt.Sprintf("%s chunk %d", id, i),
			Embedding:   v,
			CreatedAt:   created,
		}
	}
	return doc, chunks
}

// Run exercises a fresh store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) domain.Store) {
	t.Run("Should round-trip a document and its chunks", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "notes.md", base, []float32{1, 0, 0}, []float32{0, 1, 0})
		doc.Hierarchical = true
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))

		got, err := s.GetDocument(t.Context(), ns, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "notes.md", got.Filename)
		assert.Equal(t, 2, got.ChunkCount)
		assert.True(t, got.Hierarchical)
		assert.True(t, base.Equal(got.CreatedAt))

		stored, err := s.GetChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, 0, stored[0].Index)
		assert.Equal(t, 1, stored[1].Index)
		assert.Equal(t, "Intro", stored[0].SectionPath)
		assert.Equal(t, "Intro", stored[0].Headers[0])
		assert.Equal(t, []float32{0, 1, 0}, stored[1].Embedding)
		assert.Equal(t, Dimension, s.Dimension())
	})

	t.Run("Should report missing documents as not found", func(t *testing.T) {
		s := open(t)
		_, err := s.GetDocument(t.Context(), ns, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = s.GetChunks(t.Context(), ns, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, s.DeleteDocument(t.Context(), ns, "nope"), domain.ErrNotFound)
	})

	t.Run("Should reject vectors of the wrong dimension", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "a.md", base, []float32{1, 0})
		err := s.PutDocument(t.Context(), doc, chunks)
		assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
		_, err = s.GetDocument(t.Context(), ns, "doc1")
		assert.ErrorIs(t, err, domain.ErrNotFound, "nothing is written on rejection")

		_, _, err = s.SimilaritySearch(t.Context(), ns, []float32{1, 0, 0, 0}, domain.SearchOptions{Limit: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	})

	t.Run("Should replace the chunk set on a second put", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "a.md", base, []float32{1, 0, 0}, []float32{0, 1, 0}, []float32{0, 0, 1})
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		doc, chunks = Fixture("doc1", "a.md", base, []float32{0, 0, 1})
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))

		stored, err := s.GetChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		_, total, err := s.SimilaritySearch(t.Context(), ns, []float32{1, 0, 0}, domain.SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("Should cascade deletion to chunks", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "a.md", base, []float32{1, 0, 0}, []float32{0, 1, 0})
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		other, otherChunks := Fixture("doc2", "b.md", base, []float32{1, 1, 0})
		require.NoError(t, s.PutDocument(t.Context(), other, otherChunks))

		require.NoError(t, s.DeleteDocument(t.Context(), ns, "doc1"))
		_, err := s.GetDocument(t.Context(), ns, "doc1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		hits, total, err := s.SimilaritySearch(t.Context(), ns, []float32{1, 0, 0}, domain.SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		for _, h := range hits {
			assert.Equal(t, "doc2", h.Chunk.DocumentID)
		}
	})

	t.Run("Should list newest first with filename search", func(t *testing.T) {
		s := open(t)
		for i, name := range []string{"alpha.md", "Beta.md", "gamma.txt"} {
			doc, chunks := Fixture(fmt.Sprintf("doc%d", i), name, base.Add(time.Duration(i)*time.Minute), []float32{1, 0, 0})
			require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		}

		docs, total, err := s.ListDocuments(t.Context(), ns, domain.ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, docs, 3)
		assert.Equal(t, "gamma.txt", docs[0].Filename)
		assert.Equal(t, "alpha.md", docs[2].Filename)

		docs, total, err = s.ListDocuments(t.Context(), ns, domain.ListOptions{Search: "MD", Skip: 1, Limit: 5})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, docs, 1)
		assert.Equal(t, "alpha.md", docs[0].Filename)

		_, _, err = s.ListDocuments(t.Context(), ns, domain.ListOptions{Skip: -1})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Should rank by similarity with stable paging", func(t *testing.T) {
		s := open(t)
		vectors := make([][]float32, 12)
		for i := range vectors {
			// Two chunks share every score so ties must break by ID.
			vectors[i] = []float32{1, float32(i / 2), 0}
		}
		doc, chunks := Fixture("doc1", "a.md", base, vectors...)
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		query := []float32{1, 0, 0}

		first, total, err := s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 12, total)
		require.Len(t, first, 10)
		for i := 1; i < len(first); i++ {
			prev, cur := first[i-1], first[i]
			assert.True(t, prev.Score > cur.Score || (prev.Score == cur.Score && prev.Chunk.ID < cur.Chunk.ID),
				"order broken at %d", i)
		}
		assert.Equal(t, "doc1-00", first[0].Chunk.ID)

		p1, _, err := s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: 5})
		require.NoError(t, err)
		p2, _, err := s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: 5, Offset: 5})
		require.NoError(t, err)
		var ids []string
		for _, h := range append(p1, p2...) {
			ids = append(ids, h.Chunk.ID)
		}
		var want []string
		for _, h := range first {
			want = append(want, h.Chunk.ID)
		}
		assert.Equal(t, want, ids)

		empty, total, err := s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: 0})
		require.NoError(t, err)
		assert.Empty(t, empty)
		assert.Equal(t, 12, total)

		beyond, _, err := s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: 5, Offset: 50})
		require.NoError(t, err)
		assert.Empty(t, beyond)

		_, _, err = s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: -1})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("Should filter by document before ranking", func(t *testing.T) {
		s := open(t)
		a, aChunks := Fixture("doc123", "a.md", base, []float32{0, 1, 0}, []float32{0, 0, 1}, []float32{0, 1, 1})
		b, bChunks := Fixture("doc456", "b.md", base, []float32{1, 0, 0})
		require.NoError(t, s.PutDocument(t.Context(), a, aChunks))
		require.NoError(t, s.PutDocument(t.Context(), b, bChunks))

		hits, total, err := s.SimilaritySearch(t.Context(), ns, []float32{1, 0, 0},
			domain.SearchOptions{Limit: 2, Filter: domain.Filter{DocumentID: "doc123"}})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, hits, 2)
		for _, h := range hits {
			assert.Equal(t, "doc123", h.Chunk.DocumentID)
		}
		assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
	})

	t.Run("Should filter by section and header level", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "guide.md", base, []float32{1, 0, 0}, []float32{0, 1, 0}, []float32{1, 1, 0}, []float32{0, 0, 1})
		sections := []struct {
			path    string
			headers [domain.MaxHeaderLevels]string
		}{
			{"Intro", [domain.MaxHeaderLevels]string{"Intro"}},
			{"Intro > Details", [domain.MaxHeaderLevels]string{"Intro", "Details"}},
			{"Usage > Details", [domain.MaxHeaderLevels]string{"Usage", "Details"}},
			{"Usage", [domain.MaxHeaderLevels]string{"Usage"}},
		}
		for i, sec := range sections {
			chunks[i].SectionPath = sec.path
			chunks[i].Headers = sec.headers
		}
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		query := []float32{1, 0, 0}
		ids := func(filter domain.Filter) []string {
			hits, total, err := s.SimilaritySearch(t.Context(), ns, query, domain.SearchOptions{Limit: 10, Filter: filter})
			require.NoError(t, err)
			require.Len(t, hits, total)
			out := make([]string, 0, len(hits))
			for _, h := range hits {
				out = append(out, h.Chunk.ID)
			}
			return out
		}

		assert.Equal(t, []string{"doc1-01"}, ids(domain.Filter{SectionPath: "Intro > Details"}))
		assert.Equal(t, []string{"doc1-00", "doc1-01"}, ids(domain.Filter{Headers: [domain.MaxHeaderLevels]string{"Intro"}}))
		assert.ElementsMatch(t, []string{"doc1-01", "doc1-02"}, ids(domain.Filter{Headers: [domain.MaxHeaderLevels]string{"", "Details"}}))
		assert.Equal(t, []string{"doc1-02"}, ids(domain.Filter{Headers: [domain.MaxHeaderLevels]string{"Usage", "Details"}}))
		assert.Empty(t, ids(domain.Filter{SectionPath: "Intro", Headers: [domain.MaxHeaderLevels]string{"Usage"}}))
		assert.Empty(t, ids(domain.Filter{DocumentID: "doc2", SectionPath: "Intro"}))
	})

	t.Run("Should read a document with its chunks in one call", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "a.md", base, []float32{1, 0, 0}, []float32{0, 1, 0})
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))

		got, stored, err := s.GetDocumentWithChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		assert.Equal(t, "a.md", got.Filename)
		require.Len(t, stored, got.ChunkCount)
		assert.Equal(t, "doc1-01", stored[1].ID)

		_, _, err = s.GetDocumentWithChunks(t.Context(), ns, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Should not share vectors with callers", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "a.md", base, []float32{1, 0, 0})
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		chunks[0].Embedding[0] = 9

		stored, err := s.GetChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, []float32{1, 0, 0}, stored[0].Embedding)
		stored[0].Embedding[1] = 9

		hits, _, err := s.SimilaritySearch(t.Context(), ns, []float32{1, 0, 0}, domain.SearchOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, []float32{1, 0, 0}, hits[0].Chunk.Embedding)
		hits[0].Chunk.Embedding[2] = 9

		_, again, err := s.GetDocumentWithChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, again[0].Embedding)
	})

	t.Run("Should scope search and listing by namespace", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("doc1", "a.md", base, []float32{1, 0, 0})
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))

		other := domain.Namespace("rag/archive/2024")
		odoc, ochunks := Fixture("doc2", "b.md", base, []float32{1, 0, 0})
		odoc.Namespace = other
		for i := range ochunks {
			ochunks[i].Namespace = other
		}
		require.NoError(t, s.PutDocument(t.Context(), odoc, ochunks))

		_, total, err := s.SimilaritySearch(t.Context(), ns, []float32{1, 0, 0}, domain.SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		_, total, err = s.SimilaritySearch(t.Context(), "rag", []float32{1, 0, 0}, domain.SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, total)

		_, err = s.GetDocument(t.Context(), ns, "doc2")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		names, err := s.ListNamespaces(t.Context(), "rag", 2)
		require.NoError(t, err)
		assert.Equal(t, []domain.Namespace{"rag/archive", "rag/documents"}, names)
		names, err = s.ListNamespaces(t.Context(), "", 0)
		require.NoError(t, err)
		assert.Equal(t, []domain.Namespace{"rag/archive/2024", "rag/documents"}, names)
	})

	t.Run("Should store documents without chunks", func(t *testing.T) {
		s := open(t)
		doc, chunks := Fixture("empty", "empty.md", base)
		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		got, err := s.GetDocument(t.Context(), ns, "empty")
		require.NoError(t, err)
		assert.Zero(t, got.ChunkCount)
		stored, err := s.GetChunks(t.Context(), ns, "empty")
		require.NoError(t, err)
		assert.Empty(t, stored)
	})
}
