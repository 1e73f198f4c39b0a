package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestRank(t *testing.T) {
	hits := []domain.ScoredChunk{
		{Chunk: domain.Chunk{ID: "b"}, Score: 0.5},
		{Chunk: domain.Chunk{ID: "c"}, Score: 0.9},
		{Chunk: domain.Chunk{ID: "a"}, Score: 0.5},
	}
	Rank(hits)
	assert.Equal(t, "c", hits[0].Chunk.ID)
	assert.Equal(t, "a", hits[1].Chunk.ID)
	assert.Equal(t, "b", hits[2].Chunk.ID)
}

func TestPage(t *testing.T) {
	items := []int{0, 1, 2, 3, 4}
	assert.Equal(t, []int{1, 2}, Page(items, 1, 2))
	assert.Equal(t, []int{3, 4}, Page(items, 3, 10))
	assert.Empty(t, Page(items, 5, 2))
	assert.Empty(t, Page(items, 0, 0))
}

func TestNormalizeList(t *testing.T) {
	opts, err := NormalizeList(domain.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, opts.Limit)

	_, err = NormalizeList(domain.ListOptions{Limit: MaxListLimit + 1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = NormalizeList(domain.ListOptions{Skip: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestValidatePut(t *testing.T) {
	doc := domain.Document{ID: "d", Namespace: "rag/documents", ChunkCount: 1}
	chunk := domain.Chunk{DocumentID: "d", Namespace: "rag/documents", Embedding: []float32{1, 2}}

	require.NoError(t, ValidatePut(doc, []domain.Chunk{chunk}, 2))

	t.Run("Should reject a gap in chunk indexes", func(t *testing.T) {
		bad := chunk
		bad.Index = 1
		assert.ErrorIs(t, ValidatePut(doc, []domain.Chunk{bad}, 2), domain.ErrInvalidInput)
	})
	t.Run("Should reject a chunk count mismatch", func(t *testing.T) {
		assert.ErrorIs(t, ValidatePut(doc, nil, 2), domain.ErrInvalidInput)
	})
	t.Run("Should reject a foreign chunk", func(t *testing.T) {
		bad := chunk
		bad.DocumentID = "other"
		assert.ErrorIs(t, ValidatePut(doc, []domain.Chunk{bad}, 2), domain.ErrInvalidInput)
	})
	t.Run("Should reject a wrong dimension", func(t *testing.T) {
		assert.ErrorIs(t, ValidatePut(doc, []domain.Chunk{chunk}, 3), domain.ErrDimensionMismatch)
	})
}

func TestCollectNamespaces(t *testing.T) {
	all := []domain.Namespace{"rag/documents", "rag/archive/2024", "rag/archive/2023", "other/x"}
	assert.Equal(t, []domain.Namespace{"rag/archive", "rag/documents"}, CollectNamespaces(all, "rag", 2))
	assert.Equal(t, []domain.Namespace{"other", "rag"}, CollectNamespaces(all, "", 1))
}
