// Package sqlite is a single-file domain.Store. Vectors are stored as
// little-endian float32 blobs and ranked in process.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore"
	"ragindex/internal/vectorstore/sqlite/migrations"
)

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements domain.Store on SQLite.
type Store struct {
	db        *sql.DB
	path      string
	dimension int
}

var _ domain.Store = (*Store)(nil)

// Open opens or creates the database at path. The vector dimension is fixed
// on first open; reopening with another dimension fails.
func Open(ctx context.Context, path string, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", domain.ErrInvalidConfig, dimension)
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		path = filepath.Join(home, ".local", "share", "rag", "rag.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{db: db, path: path, dimension: dimension}
	if err := s.migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.checkDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Dimension() int { return s.dimension }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context, fsys embed.FS) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) checkDimension(ctx context.Context) error {
	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = 'dimension'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES ('dimension', ?)", strconv.Itoa(s.dimension))
		if err != nil {
			return fmt.Errorf("recording dimension: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("reading dimension: %w", err)
	}
	n, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("parsing stored dimension %q: %w", stored, err)
	}
	if n != s.dimension {
		return domain.DimensionError("database "+s.path, n, s.dimension)
	}
	return nil
}

// PutDocument upserts the document row and replaces its chunks in one transaction.
func (s *Store) PutDocument(ctx context.Context, doc domain.Document, chunks []domain.Chunk) (err error) {
	if err := vectorstore.ValidatePut(doc, chunks, s.dimension); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (namespace, id, filename, content_type, hierarchical, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, id) DO UPDATE SET
			filename = excluded.filename,
			content_type = excluded.content_type,
			hierarchical = excluded.hierarchical,
			chunk_count = excluded.chunk_count,
			created_at = excluded.created_at
	`, string(doc.Namespace), doc.ID, doc.Filename, doc.ContentType, doc.Hierarchical,
		doc.ChunkCount, formatTime(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM chunks WHERE namespace = ? AND document_id = ?",
		string(doc.Namespace), doc.ID); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (namespace, id, document_id, chunk_index, section_path, section_level,
			headers, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		headers, mErr := json.Marshal(c.Headers)
		if mErr != nil {
			return fmt.Errorf("marshalling headers: %w", mErr)
		}
		if _, err = stmt.ExecContext(ctx, string(c.Namespace), c.ID, c.DocumentID, c.Index, c.SectionPath,
			c.SectionLevel, string(headers), c.Content, encodeVector(c.Embedding), formatTime(c.CreatedAt)); err != nil {
			return fmt.Errorf("saving chunk %d: %w", c.Index, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, ns domain.Namespace, id string) (domain.Document, error) {
	return getDocument(ctx, s.db, ns, id)
}

func getDocument(ctx context.Context, q querier, ns domain.Namespace, id string) (domain.Document, error) {
	row := q.QueryRowContext(ctx, `
		SELECT namespace, id, filename, content_type, hierarchical, chunk_count, created_at
		FROM documents WHERE namespace = ? AND id = ?
	`, string(ns), id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Document{}, fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Document{}, fmt.Errorf("getting document: %w", err)
	}
	return doc, nil
}

func (s *Store) ListDocuments(ctx context.Context, ns domain.Namespace, opts domain.ListOptions) ([]domain.Document, int, error) {
	opts, err := vectorstore.NormalizeList(opts)
	if err != nil {
		return nil, 0, err
	}
	where := "namespace = ?"
	args := []any{string(ns)}
	if opts.Search != "" {
		where += ` AND lower(filename) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(strings.ToLower(opts.Search))+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting documents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, id, filename, content_type, hierarchical, chunk_count, created_at
		FROM documents WHERE `+where+`
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`, append(args, opts.Limit, opts.Skip)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0, opts.Limit)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, total, nil
}

func (s *Store) GetChunks(ctx context.Context, ns domain.Namespace, documentID string) ([]domain.Chunk, error) {
	_, chunks, err := s.GetDocumentWithChunks(ctx, ns, documentID)
	return chunks, err
}

// GetDocumentWithChunks reads the document row and its chunks inside one
// transaction, which holds a single WAL snapshot.
func (s *Store) GetDocumentWithChunks(ctx context.Context, ns domain.Namespace, id string) (domain.Document, []domain.Chunk, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Document{}, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := getDocument(ctx, tx, ns, id)
	if err != nil {
		return domain.Document{}, nil, err
	}
	chunks, err := queryChunks(ctx, tx, `
		SELECT namespace, id, document_id, chunk_index, section_path, section_level, headers, content, embedding, created_at
		FROM chunks WHERE namespace = ? AND document_id = ?
		ORDER BY chunk_index
	`, string(ns), id)
	if err != nil {
		return domain.Document{}, nil, err
	}
	return doc, chunks, nil
}

// DeleteDocument removes the document row; chunks follow through the cascade.
func (s *Store) DeleteDocument(ctx context.Context, ns domain.Namespace, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE namespace = ? AND id = ?", string(ns), id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s in %s: %w", id, ns, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SimilaritySearch(ctx context.Context, ns domain.Namespace, vector []float32, opts domain.SearchOptions) ([]domain.ScoredChunk, int, error) {
	if err := vectorstore.ValidateSearch(vector, s.dimension, opts); err != nil {
		return nil, 0, err
	}
	query := `
		SELECT namespace, id, document_id, chunk_index, section_path, section_level, headers, content, embedding, created_at
		FROM chunks WHERE 1 = 1`
	var args []any
	if ns != "" {
		query += ` AND (namespace = ? OR namespace LIKE ? ESCAPE '\')`
		args = append(args, string(ns), ns.LikePattern())
	}
	if opts.Filter.DocumentID != "" {
		query += " AND document_id = ?"
		args = append(args, opts.Filter.DocumentID)
	}
	if opts.Filter.SectionPath != "" {
		query += " AND section_path = ?"
		args = append(args, opts.Filter.SectionPath)
	}
	for i, h := range opts.Filter.Headers {
		if h != "" {
			query += fmt.Sprintf(" AND json_extract(headers, '$[%d]') = ?", i)
			args = append(args, h)
		}
	}
	chunks, err := queryChunks(ctx, s.db, query, args...)
	if err != nil {
		return nil, 0, err
	}

	hits := make([]domain.ScoredChunk, len(chunks))
	for i, c := range chunks {
		hits[i] = domain.ScoredChunk{Chunk: c, Score: vectorstore.Cosine(vector, c.Embedding)}
	}
	vectorstore.Rank(hits)
	return vectorstore.Page(hits, opts.Offset, opts.Limit), len(hits), nil
}

func (s *Store) ListNamespaces(ctx context.Context, prefix domain.Namespace, maxDepth int) ([]domain.Namespace, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT namespace FROM documents")
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}
	defer rows.Close()
	var all []domain.Namespace
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, fmt.Errorf("scanning namespace: %w", err)
		}
		all = append(all, domain.Namespace(ns))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespaces: %w", err)
	}
	return vectorstore.CollectNamespaces(all, prefix, maxDepth), nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryChunks(ctx context.Context, q querier, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var (
			c         domain.Chunk
			ns        string
			headers   string
			embedding []byte
			created   string
		)
		if err := rows.Scan(&ns, &c.ID, &c.DocumentID, &c.Index, &c.SectionPath, &c.SectionLevel,
			&headers, &c.Content, &embedding, &created); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Namespace = domain.Namespace(ns)
		if err := json.Unmarshal([]byte(headers), &c.Headers); err != nil {
			return nil, fmt.Errorf("unmarshalling headers of chunk %s: %w", c.ID, err)
		}
		if c.Embedding, err = decodeVector(embedding); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if c.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("parsing created_at of chunk %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (domain.Document, error) {
	var (
		doc     domain.Document
		ns      string
		created string
	)
	if err := row.Scan(&ns, &doc.ID, &doc.Filename, &doc.ContentType, &doc.Hierarchical,
		&doc.ChunkCount, &created); err != nil {
		return domain.Document{}, err
	}
	doc.Namespace = domain.Namespace(ns)
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return domain.Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	doc.CreatedAt = t
	return doc, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob has %d bytes, not a multiple of 4", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
