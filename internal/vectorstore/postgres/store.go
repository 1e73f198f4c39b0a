// Package postgres implements domain.Store on PostgreSQL with the pgvector
// extension. Ranking runs in SQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore"
)

// querier is satisfied by the pool and by pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// HNSW candidate list bounds. 40 is the pgvector default, 1000 its maximum.
const (
	minEFSearch = 40
	maxEFSearch = 1000
)

// Config configures the postgres store.
type Config struct {
	DSN         string
	TablePrefix string
	Dimension   int
	// EnsureIndex creates an HNSW cosine index on the embedding column.
	EnsureIndex bool
	MaxConns    int32
}

// Store implements domain.Store backed by a pgx-compatible pool.
type Store struct {
	db         DB
	close      func()
	dimension  int
	ensureIdx  bool
	docTable   string
	chunkTable string
	indexIdent string
}

var _ domain.Store = (*Store)(nil)

// Open connects, makes sure the vector extension and tables exist, and
// registers the pgvector codecs on every pooled connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", domain.ErrInvalidConfig, cfg.Dimension)
	}
	if err := ensureExtension(ctx, cfg.DSN); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %w", domain.ErrInvalidConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to postgres: %w", domain.ErrProviderUnavailable, err)
	}
	s := New(pool, cfg)
	s.close = pool.Close
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func ensureExtension(ctx context.Context, dsn string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("%w: connect to postgres: %w", domain.ErrProviderUnavailable, err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("pgvector: enable extension: %w", err)
	}
	return nil
}

// New wraps an existing connection pool. It does not touch the schema.
func New(db DB, cfg Config) *Store {
	prefix := cfg.TablePrefix
	if prefix == "" {
		prefix = "rag_"
	}
	return &Store{
		db:         db,
		close:      func() {},
		dimension:  cfg.Dimension,
		ensureIdx:  cfg.EnsureIndex,
		docTable:   pgx.Identifier{prefix + "documents"}.Sanitize(),
		chunkTable: pgx.Identifier{prefix + "chunks"}.Sanitize(),
		indexIdent: pgx.Identifier{prefix + "chunks_embedding_idx"}.Sanitize(),
	}
}

// EnsureSchema creates the document and chunk tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			filename TEXT NOT NULL,
			content_type TEXT NOT NULL,
			hierarchical BOOLEAN NOT NULL DEFAULT FALSE,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (namespace, id)
		)`, s.docTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			section_path TEXT NOT NULL DEFAULT '',
			section_level INTEGER NOT NULL DEFAULT 0,
			headers TEXT[] NOT NULL DEFAULT '{}',
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (namespace, id),
			UNIQUE (namespace, document_id, chunk_index),
			FOREIGN KEY (namespace, document_id) REFERENCES %s (namespace, id) ON DELETE CASCADE
		)`, s.chunkTable, s.dimension, s.docTable),
	}
	if s.ensureIdx {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			s.indexIdent, s.chunkTable,
		))
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Dimension() int { return s.dimension }

func (s *Store) Close() error {
	s.close()
	return nil
}

// PutDocument upserts the document and replaces its chunks in one transaction.
func (s *Store) PutDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) (err error) {
	if err := vectorstore.ValidatePut(doc, chunks, s.dimension); err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgvector: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("pgvector: rollback failed: %w; original error: %v", rbErr, err)
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("pgvector: commit: %w", commitErr)
		}
	}()

	_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (namespace, id, filename, content_type, hierarchical, chunk_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (namespace, id) DO UPDATE SET
    filename = excluded.filename,
    content_type = excluded.content_type,
    hierarchical = excluded.hierarchical,
    chunk_count = excluded.chunk_count,
    created_at = excluded.created_at`, s.docTable),
		string(doc.Namespace), doc.ID, doc.Filename, doc.ContentType, doc.Hierarchical, doc.ChunkCount, doc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("pgvector: upsert document %q: %w", doc.ID, err)
	}
	if _, err = tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND document_id = $2", s.chunkTable),
		string(doc.Namespace), doc.ID); err != nil {
		return fmt.Errorf("pgvector: clear chunks of %q: %w", doc.ID, err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (namespace, id, document_id, chunk_index, section_path, section_level, headers, content, embedding, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, s.chunkTable)
	for _, c := range chunks {
		if _, err = tx.Exec(ctx, insert, string(c.Namespace), c.ID, c.DocumentID, c.Index, c.SectionPath, c.SectionLevel,
			c.Headers[:], c.Content, pgvector.NewVector(c.Embedding), c.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("pgvector: insert chunk %d of %q: %w", c.Index, doc.ID, err)
		}
	}
	return nil
}

const documentColumns = "namespace, id, filename, content_type, hierarchical, chunk_count, created_at"

const chunkColumns = "namespace, id, document_id, chunk_index, section_path, section_level, headers, content, embedding, created_at"

func (s *Store) GetDocument(ctx context.Context, ns domain.Namespace, id string) (domain.Document, error) {
	return s.getDocument(ctx, s.db, ns, id)
}

func (s *Store) getDocument(ctx context.Context, q querier, ns domain.Namespace, id string) (domain.Document, error) {
	row := q.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE namespace = $1 AND id = $2", documentColumns, s.docTable),
		string(ns), id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("pgvector: get document: %w", err)
	}
	return doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, ns domain.Namespace, opts domain.ListOptions) ([]domain.Document, int, error) {
	opts, err := vectorstore.NormalizeList(opts)
	if err != nil {
		return nil, 0, err
	}
	where := "namespace = $1"
	args := []any{string(ns)}
	if opts.Search != "" {
		where += ` AND filename ILIKE $2 ESCAPE '\'`
		args = append(args, "%"+escapeLike(opts.Search)+"%")
	}
	var total int
	if err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.docTable, where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgvector: count documents: %w", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d",
		documentColumns, s.docTable, where, len(args)+1, len(args)+2)
	rows, err := s.db.Query(ctx, query, append(args, opts.Limit, opts.Skip)...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgvector: list documents: %w", err)
	}
	defer rows.Close()
	docs := make([]domain.Document, 0, opts.Limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("pgvector: scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgvector: iterate documents: %w", err)
	}
	return docs, total, nil
}

func (s *Store) GetChunks(ctx context.Context, ns domain.Namespace, documentID string) ([]domain.Chunk, error) {
	_, chunks, err := s.GetDocumentWithChunks(ctx, ns, documentID)
	return chunks, err
}

// GetDocumentWithChunks reads the document and its chunks in one read-only
// REPEATABLE READ transaction.
func (s *Store) GetDocumentWithChunks(ctx context.Context, ns domain.Namespace, id string) (doc domain.Document, chunks []domain.Chunk, err error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.Document{}, nil, fmt.Errorf("pgvector: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("pgvector: commit: %w", commitErr)
		}
	}()

	if doc, err = s.getDocument(ctx, tx, ns, id); err != nil {
		return domain.Document{}, nil, err
	}
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE namespace = $1 AND document_id = $2 ORDER BY chunk_index",
		chunkColumns, s.chunkTable), string(ns), id)
	if err != nil {
		return domain.Document{}, nil, fmt.Errorf("pgvector: get chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return domain.Document{}, nil, err
		}
		chunks = append(chunks, c)
	}
	if err = rows.Err(); err != nil {
		return domain.Document{}, nil, fmt.Errorf("pgvector: iterate chunks: %w", err)
	}
	return doc, chunks, nil
}

// DeleteDocument removes the document row; chunks follow through the cascade.
func (s *Store) DeleteDocument(ctx context.Context, ns domain.Namespace, id string) error {
	tag, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND id = $2", s.docTable), string(ns), id)
	if err != nil {
		return fmt.Errorf("pgvector: delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	return nil
}

// chunkFilter renders the namespace and filter conditions with placeholders
// numbered from first.
func chunkFilter(ns domain.Namespace, filter domain.Filter, first int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if ns != "" {
		conds = append(conds, fmt.Sprintf(`(namespace = $%d OR namespace LIKE $%d ESCAPE '\')`, first, first+1))
		args = append(args, string(ns), ns.LikePattern())
	}
	if filter.DocumentID != "" {
		conds = append(conds, fmt.Sprintf("document_id = $%d", first+len(args)))
		args = append(args, filter.DocumentID)
	}
	if filter.SectionPath != "" {
		conds = append(conds, fmt.Sprintf("section_path = $%d", first+len(args)))
		args = append(args, filter.SectionPath)
	}
	for i, h := range filter.Headers {
		if h != "" {
			conds = append(conds, fmt.Sprintf("headers[%d] = $%d", i+1, first+len(args)))
			args = append(args, h)
		}
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}

// SimilaritySearch ranks in SQL. With the HNSW index the query runs in a
// transaction that widens hnsw.ef_search to cover offset+limit, and filtered or
// deep pages fall back to an exact scan, so the index never truncates a page
// that COUNT says exists.
func (s *Store) SimilaritySearch(ctx context.Context, ns domain.Namespace, vector []float32, opts domain.SearchOptions) (hits []domain.ScoredChunk, total int, err error) {
	if err := vectorstore.ValidateSearch(vector, s.dimension, opts); err != nil {
		return nil, 0, err
	}
	if !s.ensureIdx {
		return s.search(ctx, s.db, ns, vector, opts)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, fmt.Errorf("pgvector: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("pgvector: commit: %w", commitErr)
		}
	}()
	for _, stmt := range indexSettings(opts) {
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return nil, 0, fmt.Errorf("pgvector: tune search: %w", err)
		}
	}
	return s.search(ctx, tx, ns, vector, opts)
}

// indexSettings returns the SET LOCAL statements for an index-backed search.
func indexSettings(opts domain.SearchOptions) []string {
	depth := opts.Offset + opts.Limit
	if !opts.Filter.Empty() || depth > maxEFSearch {
		return []string{"SET LOCAL enable_indexscan = off"}
	}
	return []string{fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", max(minEFSearch, depth))}
}

func (s *Store) search(ctx context.Context, q querier, ns domain.Namespace, vector []float32, opts domain.SearchOptions) ([]domain.ScoredChunk, int, error) {
	where, args := chunkFilter(ns, opts.Filter, 1)
	var total int
	if err := q.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.chunkTable, where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgvector: count chunks: %w", err)
	}
	if opts.Limit == 0 || opts.Offset >= total {
		return []domain.ScoredChunk{}, total, nil
	}

	where, args = chunkFilter(ns, opts.Filter, 2)
	args = append([]any{pgvector.NewVector(vector)}, args...)
	query := fmt.Sprintf(`SELECT %s, 1 - (embedding <=> $1) AS score FROM %s WHERE %s
ORDER BY embedding <=> $1 ASC, id ASC LIMIT $%d OFFSET $%d`,
		chunkColumns, s.chunkTable, where, len(args)+1, len(args)+2)
	rows, err := q.Query(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgvector: search: %w", err)
	}
	defer rows.Close()
	hits := make([]domain.ScoredChunk, 0, opts.Limit)
	for rows.Next() {
		var score float64
		c, err := scanChunk(rows, &score)
		if err != nil {
			return nil, 0, err
		}
		hits = append(hits, domain.ScoredChunk{Chunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgvector: iterate search results: %w", err)
	}
	return hits, total, nil
}

func (s *Store) ListNamespaces(ctx context.Context, prefix domain.Namespace, maxDepth int) ([]domain.Namespace, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf("SELECT DISTINCT namespace FROM %s", s.docTable))
	if err != nil {
		return nil, fmt.Errorf("pgvector: list namespaces: %w", err)
	}
	defer rows.Close()
	var all []domain.Namespace
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("pgvector: scan namespace: %w", err)
		}
		all = append(all, domain.Namespace(ns))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: iterate namespaces: %w", err)
	}
	return vectorstore.CollectNamespaces(all, prefix, maxDepth), nil
}

func scanDocument(row pgx.Row) (domain.Document, error) {
	var (
		doc     domain.Document
		ns      string
		created time.Time
	)
	if err := row.Scan(&ns, &doc.ID, &doc.Filename, &doc.ContentType, &doc.Hierarchical, &doc.ChunkCount, &created); err != nil {
		return domain.Document{}, err
	}
	doc.Namespace = domain.Namespace(ns)
	doc.CreatedAt = created.UTC()
	return doc, nil
}

func scanChunk(row pgx.Row, extra ...any) (domain.Chunk, error) {
	var (
		c       domain.Chunk
		ns      string
		headers []string
		vec     pgvector.Vector
	)
	dest := append([]any{&ns, &c.ID, &c.DocumentID, &c.Index, &c.SectionPath, &c.SectionLevel,
		&headers, &c.Content, &vec, &c.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Chunk{}, fmt.Errorf("pgvector: scan chunk: %w", err)
	}
	c.Namespace = domain.Namespace(ns)
	copy(c.Headers[:], headers)
	c.Embedding = vec.Slice()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
