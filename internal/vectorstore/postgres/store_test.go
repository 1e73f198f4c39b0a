package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore/storetest"
)

const ns = "rag/documents"

var created = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

var chunkCols = []string{
	"namespace", "id", "document_id", "chunk_index", "section_path", "section_level",
	"headers", "content", "embedding", "created_at",
}

func newMockStore(t *testing.T, ensureIndex bool) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, Config{Dimension: storetest.Dimension, EnsureIndex: ensureIndex}), mock
}

func TestStore_EnsureSchema(t *testing.T) {
	t.Run("Should create tables and the HNSW index", func(t *testing.T) {
		s, mock := newMockStore(t, true)
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "rag_documents"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "rag_chunks"(.|\n)*embedding vector\(3\)`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "rag_chunks_embedding_idx" ON "rag_chunks" USING hnsw \(embedding vector_cosine_ops\)`).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		require.NoError(t, s.EnsureSchema(t.Context()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should surface schema errors", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "rag_documents"`).WillReturnError(errors.New("permission denied"))
		assert.ErrorContains(t, s.EnsureSchema(t.Context()), "permission denied")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_PutDocument(t *testing.T) {
	t.Run("Should upsert the document and replace chunks in one transaction", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		doc, chunks := storetest.Fixture("doc1", "a.md", created, []float32{1, 0, 0})

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "rag_documents"`).
			WithArgs(ns, "doc1", "a.md", "text/markdown", false, 1, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec(`DELETE FROM "rag_chunks" WHERE namespace = \$1 AND document_id = \$2`).
			WithArgs(ns, "doc1").
			WillReturnResult(pgxmock.NewResult("DELETE", 3))
		mock.ExpectExec(`INSERT INTO "rag_chunks"`).
			WithArgs(ns, "doc1-00", "doc1", 0, "Intro", 0, chunks[0].Headers[:], "doc1 chunk 0",
				pgvector.NewVector([]float32{1, 0, 0}), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectCommit()

		require.NoError(t, s.PutDocument(t.Context(), doc, chunks))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back when a write fails", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		doc, chunks := storetest.Fixture("doc1", "a.md", created, []float32{1, 0, 0})

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "rag_documents"`).
			WithArgs(ns, "doc1", "a.md", "text/markdown", false, 1, pgxmock.AnyArg()).
			WillReturnError(errors.New("boom"))
		mock.ExpectRollback()

		err := s.PutDocument(t.Context(), doc, chunks)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pgvector: upsert document \"doc1\": boom")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should reject a wrong dimension before touching the database", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		doc, chunks := storetest.Fixture("doc1", "a.md", created, []float32{1, 0})
		assert.ErrorIs(t, s.PutDocument(t.Context(), doc, chunks), domain.ErrDimensionMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_GetDocument(t *testing.T) {
	t.Run("Should map no rows to not found", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectQuery(`SELECT (.+) FROM "rag_documents" WHERE namespace = \$1 AND id = \$2`).
			WithArgs(ns, "missing").
			WillReturnError(pgx.ErrNoRows)
		_, err := s.GetDocument(t.Context(), ns, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should return the chunks of a document in order", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectBeginTx(snapshotTx)
		expectDocumentRow(mock, 2)
		mock.ExpectQuery(`SELECT (.+) FROM "rag_chunks" WHERE namespace = \$1 AND document_id = \$2 ORDER BY chunk_index`).
			WithArgs(ns, "doc1").
			WillReturnRows(mock.NewRows(chunkCols).
				AddRow(ns, "c0", "doc1", 0, "Intro", 1, []string{"Intro", "", "", "", "", ""}, "first", pgvector.NewVector([]float32{1, 0, 0}), created).
				AddRow(ns, "c1", "doc1", 1, "Intro > Deep", 2, []string{"Intro", "Deep", "", "", "", ""}, "second", pgvector.NewVector([]float32{0, 1, 0}), created))
		mock.ExpectCommit()

		chunks, err := s.GetChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, "Deep", chunks[1].Headers[1])
		assert.Equal(t, []float32{0, 1, 0}, chunks[1].Embedding)
		assert.Equal(t, domain.Namespace(ns), chunks[0].Namespace)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should read the document and its chunks in one snapshot", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectBeginTx(snapshotTx)
		expectDocumentRow(mock, 1)
		mock.ExpectQuery(`FROM "rag_chunks" WHERE namespace = \$1 AND document_id = \$2`).
			WithArgs(ns, "doc1").
			WillReturnRows(mock.NewRows(chunkCols).
				AddRow(ns, "c0", "doc1", 0, "", 0, []string{}, "only", pgvector.NewVector([]float32{1, 0, 0}), created))
		mock.ExpectCommit()

		doc, chunks, err := s.GetDocumentWithChunks(t.Context(), ns, "doc1")
		require.NoError(t, err)
		assert.Equal(t, doc.ChunkCount, len(chunks))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back the snapshot when the document is missing", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectBeginTx(snapshotTx)
		mock.ExpectQuery(`FROM "rag_documents" WHERE namespace = \$1 AND id = \$2`).
			WithArgs(ns, "missing").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectRollback()

		_, err := s.GetChunks(t.Context(), ns, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var snapshotTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func expectDocumentRow(mock pgxmock.PgxPoolIface, chunkCount int) {
	mock.ExpectQuery(`SELECT (.+) FROM "rag_documents" WHERE namespace = \$1 AND id = \$2`).
		WithArgs(ns, "doc1").
		WillReturnRows(mock.NewRows([]string{"namespace", "id", "filename", "content_type", "hierarchical", "chunk_count", "created_at"}).
			AddRow(ns, "doc1", "a.md", "text/markdown", true, chunkCount, created))
}

func TestStore_ListDocuments(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "rag_documents" WHERE namespace = \$1 AND filename ILIKE \$2`).
		WithArgs(ns, "%my\\_notes%").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY created_at DESC, id ASC LIMIT \$3 OFFSET \$4`).
		WithArgs(ns, "%my\\_notes%", 20, 0).
		WillReturnRows(mock.NewRows([]string{"namespace", "id", "filename", "content_type", "hierarchical", "chunk_count", "created_at"}).
			AddRow(ns, "doc1", "my_notes.md", "text/markdown", false, 4, created))

	docs, total, err := s.ListDocuments(t.Context(), ns, domain.ListOptions{Search: "my_notes"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, "my_notes.md", docs[0].Filename)
	assert.Equal(t, 4, docs[0].ChunkCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteDocument(t *testing.T) {
	t.Run("Should delete an existing document", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectExec(`DELETE FROM "rag_documents" WHERE namespace = \$1 AND id = \$2`).
			WithArgs(ns, "doc1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
		assert.NoError(t, s.DeleteDocument(t.Context(), ns, "doc1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	t.Run("Should report a missing document", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectExec(`DELETE FROM "rag_documents"`).
			WithArgs(ns, "doc1").
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		assert.ErrorIs(t, s.DeleteDocument(t.Context(), ns, "doc1"), domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_SimilaritySearch(t *testing.T) {
	query := []float32{1, 0, 0}

	t.Run("Should rank in SQL with filter and paging", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "rag_chunks" WHERE \(namespace = \$1 OR namespace LIKE \$2 ESCAPE '\\'\) AND document_id = \$3`).
			WithArgs(ns, ns+"/%", "doc123").
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectQuery(`1 - \(embedding <=> \$1\) AS score FROM "rag_chunks" WHERE (.+) ORDER BY embedding <=> \$1 ASC, id ASC LIMIT \$5 OFFSET \$6`).
			WithArgs(pgvector.NewVector(query), ns, ns+"/%", "doc123", 2, 0).
			WillReturnRows(mock.NewRows(append(chunkCols, "score")).
				AddRow(ns, "c0", "doc123", 0, "", 0, []string{}, "vector database", pgvector.NewVector([]float32{1, 0, 0}), created, 1.0).
				AddRow(ns, "c2", "doc123", 2, "", 0, []string{}, "other", pgvector.NewVector([]float32{1, 1, 0}), created, 0.7))

		hits, total, err := s.SimilaritySearch(t.Context(), ns, query,
			domain.SearchOptions{Limit: 2, Filter: domain.Filter{DocumentID: "doc123"}})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, hits, 2)
		assert.Equal(t, "c0", hits[0].Chunk.ID)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
		assert.Equal(t, "doc123", hits[1].Chunk.DocumentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should only count when the limit is zero", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "rag_chunks" WHERE TRUE`).
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(12))
		hits, total, err := s.SimilaritySearch(t.Context(), "", query, domain.SearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, hits)
		assert.Equal(t, 12, total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should match section and header filters in SQL", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		filter := domain.Filter{SectionPath: "Intro > Deep", Headers: [domain.MaxHeaderLevels]string{1: "Deep"}}
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "rag_chunks" WHERE section_path = \$1 AND headers\[2\] = \$2`).
			WithArgs("Intro > Deep", "Deep").
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
		hits, total, err := s.SimilaritySearch(t.Context(), "", query, domain.SearchOptions{Limit: 5, Filter: filter})
		require.NoError(t, err)
		assert.Empty(t, hits)
		assert.Zero(t, total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should widen the HNSW candidate list to reach deep pages", func(t *testing.T) {
		s, mock := newMockStore(t, true)
		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
		mock.ExpectExec(`SET LOCAL hnsw\.ef_search = 50`).WillReturnResult(pgxmock.NewResult("SET", 0))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "rag_chunks" WHERE TRUE`).
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(100))
		mock.ExpectQuery(`ORDER BY embedding <=> \$1 ASC, id ASC LIMIT \$2 OFFSET \$3`).
			WithArgs(pgvector.NewVector(query), 5, 45).
			WillReturnRows(mock.NewRows(append(chunkCols, "score")).
				AddRow(ns, "c45", "doc1", 45, "", 0, []string{}, "deep", pgvector.NewVector([]float32{0, 1, 0}), created, 0.1))
		mock.ExpectCommit()

		hits, total, err := s.SimilaritySearch(t.Context(), "", query, domain.SearchOptions{Limit: 5, Offset: 45})
		require.NoError(t, err)
		assert.Equal(t, 100, total)
		require.Len(t, hits, 1)
		assert.Equal(t, "c45", hits[0].Chunk.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should scan exactly when a filter would thin the HNSW candidates", func(t *testing.T) {
		s, mock := newMockStore(t, true)
		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
		mock.ExpectExec(`SET LOCAL enable_indexscan = off`).WillReturnResult(pgxmock.NewResult("SET", 0))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "rag_chunks" WHERE document_id = \$1`).
			WithArgs("doc1").
			WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectCommit()

		_, total, err := s.SimilaritySearch(t.Context(), "", query,
			domain.SearchOptions{Limit: 5, Filter: domain.Filter{DocumentID: "doc1"}})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should roll back when tuning the index fails", func(t *testing.T) {
		s, mock := newMockStore(t, true)
		mock.ExpectBeginTx(pgx.TxOptions{AccessMode: pgx.ReadOnly})
		mock.ExpectExec(`SET LOCAL hnsw\.ef_search = 40`).WillReturnError(errors.New("unrecognized parameter"))
		mock.ExpectRollback()

		_, _, err := s.SimilaritySearch(t.Context(), "", query, domain.SearchOptions{Limit: 5})
		assert.ErrorContains(t, err, "unrecognized parameter")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Should reject a query of the wrong dimension", func(t *testing.T) {
		s, mock := newMockStore(t, false)
		_, _, err := s.SimilaritySearch(t.Context(), ns, []float32{1}, domain.SearchOptions{Limit: 1})
		assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIndexSettings(t *testing.T) {
	cases := map[string]struct {
		opts domain.SearchOptions
		want string
	}{
		"shallow page":   {domain.SearchOptions{Limit: 5}, "SET LOCAL hnsw.ef_search = 40"},
		"deep page":      {domain.SearchOptions{Limit: 20, Offset: 100}, "SET LOCAL hnsw.ef_search = 120"},
		"past max":       {domain.SearchOptions{Limit: 10, Offset: 995}, "SET LOCAL enable_indexscan = off"},
		"section filter": {domain.SearchOptions{Limit: 5, Filter: domain.Filter{SectionPath: "Intro"}}, "SET LOCAL enable_indexscan = off"},
	}
	for name, tc := range cases {
		t.Run("Should tune a "+name, func(t *testing.T) {
			assert.Equal(t, []string{tc.want}, indexSettings(tc.opts))
		})
	}
}

func TestStore_ListNamespaces(t *testing.T) {
	s, mock := newMockStore(t, false)
	mock.ExpectQuery(`SELECT DISTINCT namespace FROM "rag_documents"`).
		WillReturnRows(mock.NewRows([]string{"namespace"}).AddRow("rag/documents").AddRow("rag/archive/2024"))
	names, err := s.ListNamespaces(t.Context(), "rag", 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.Namespace{"rag/archive", "rag/documents"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}
