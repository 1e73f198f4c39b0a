// Package service holds the ingestion pipeline and the search front of the index.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"ragindex/internal/chunker"
	"ragindex/internal/domain"
	"ragindex/internal/embedding"
	"ragindex/internal/extract"
	"ragindex/internal/identity"
	"ragindex/internal/logger"
	"ragindex/internal/metrics"
)

// IngestionOptions is the explicit configuration of an IngestionService.
type IngestionOptions struct {
	// Namespace is used when a request names none.
	Namespace      domain.Namespace
	MaxConcurrency int
	CallTimeout    time.Duration
	// RetryAttempts is the number of retries after the first embedding call.
	RetryAttempts int
	RetryBackoff  time.Duration
	// AllowPartial stores the chunks that embedded when others failed.
	AllowPartial bool
	StoreTimeout time.Duration
}

// IngestRequest is one document upload.
type IngestRequest struct {
	Filename     string
	ContentType  string
	Data         []byte
	Hierarchical bool
	// Force replaces an already ingested document.
	Force     bool
	Namespace domain.Namespace
}

// IngestResult reports where an ingestion ended.
type IngestResult struct {
	Document domain.Document
	State    State
	Trace    []State
	// Updated is set when Force replaced an existing document.
	Updated bool
	// Skipped counts chunks dropped under AllowPartial.
	Skipped int
}

// DocumentDetail is a document with its chunks in index order.
type DocumentDetail struct {
	Document domain.Document
	Chunks   []domain.Chunk
}

// IngestionService turns uploads into stored, embedded chunks.
type IngestionService struct {
	store     domain.Store
	embedder  domain.Embedder
	extractor domain.Extractor
	splitter  *chunker.Splitter
	metrics   *metrics.Metrics
	opts      IngestionOptions
	now       func() time.Time
}

// NewIngestionService wires the pipeline. m may be nil.
func NewIngestionService(
	store domain.Store,
	embedder domain.Embedder,
	extractor domain.Extractor,
	splitter *chunker.Splitter,
	opts IngestionOptions,
	m *metrics.Metrics,
) (*IngestionService, error) {
	if store == nil || embedder == nil || extractor == nil || splitter == nil {
		return nil, fmt.Errorf("%w: ingestion service needs a store, embedder, extractor and splitter", domain.ErrInvalidConfig)
	}
	if embedder.Dimension() != store.Dimension() {
		return nil, domain.DimensionError("embedder "+embedder.Name(), embedder.Dimension(), store.Dimension())
	}
	if opts.Namespace == "" {
		opts.Namespace = domain.DefaultNamespace
	}
	if opts.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: max concurrency must be positive, got %d", domain.ErrInvalidConfig, opts.MaxConcurrency)
	}
	return &IngestionService{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		splitter:  splitter,
		metrics:   m,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ingest runs one document through identification, splitting, embedding and persistence.
// The returned result is non-nil whenever the request got past validation.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ns, err := s.namespace(req.Namespace)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Filename) == "" {
		return nil, fmt.Errorf("%w: filename is empty", domain.ErrInvalidInput)
	}
	log := logger.FromContext(ctx).With("filename", req.Filename, "namespace", ns)
	r := newRun(log)
	res, err := s.ingest(ctx, r, ns, req)
	if res == nil {
		res = &IngestResult{}
	}
	res.State = r.state()
	res.Trace = r.trace
	if s.metrics != nil {
		s.metrics.Ingestions.WithLabelValues(string(res.State)).Inc()
	}
	return res, err
}

func (s *IngestionService) ingest(ctx context.Context, r *run, ns domain.Namespace, req IngestRequest) (*IngestResult, error) {
	id, err := identity.Identify(req.Data, req.Filename)
	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}
	r.log = r.log.With("document_id", id)
	r.to(StateIdentified)

	existing, found, err := s.lookup(ctx, ns, id)
	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}
	if found && !req.Force {
		r.to(StateAlreadyPresent)
		r.log.Info("Document already ingested", "chunks", existing.ChunkCount)
		return &IngestResult{Document: existing}, nil
	}

	r.to(StateSplitting)
	pieces, err := s.split(req)
	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}

	r.to(StateEmbedding)
	vectors, kept, err := s.embed(ctx, pieces)
	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}

	r.to(StatePersisting)
	now := s.now()
	doc := domain.Document{
		ID:           id,
		Namespace:    ns,
		Filename:     req.Filename,
		ContentType:  contentType(req),
		Hierarchical: req.Hierarchical,
		CreatedAt:    now,
		ChunkCount:   len(kept),
	}
	if found {
		doc.CreatedAt = existing.CreatedAt
	}
	chunks := make([]domain.Chunk, len(kept))
	for i, pi := range kept {
		p := pieces[pi]
		chunks[i] = domain.Chunk{
			ID:           identity.ChunkID(id, i),
			DocumentID:   id,
			Namespace:    ns,
			Index:        i,
			SectionPath:  p.SectionPath,
			SectionLevel: p.Level,
			Headers:      p.Headers,
			Content:      p.Content,
			Embedding:    vectors[pi],
			CreatedAt:    now,
		}
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.PutDocument(storeCtx, doc, chunks); err != nil {
		err = fmt.Errorf("persist document %s: %w", id, err)
		r.fail(ctx, err)
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ChunksStored.Add(float64(len(chunks)))
	}
	r.to(StateDone)
	r.log.Info("Document ingested", "chunks", len(chunks), "updated", found)
	return &IngestResult{Document: doc, Updated: found, Skipped: len(pieces) - len(kept)}, nil
}

func (s *IngestionService) lookup(ctx context.Context, ns domain.Namespace, id string) (domain.Document, bool, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	doc, err := s.store.GetDocument(storeCtx, ns, id)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.Document{}, false, nil
	default:
		return domain.Document{}, false, fmt.Errorf("look up document %s: %w", id, err)
	}
}

func (s *IngestionService) split(req IngestRequest) ([]chunker.Piece, error) {
	text, err := s.extractor.Extract(req.Data, contentType(req))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", req.Filename, err)
	}
	mode := chunker.Flat
	if req.Hierarchical {
		mode = chunker.Hierarchical
	}
	pieces, err := s.splitter.Split(text, mode)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", req.Filename, err)
	}
	return pieces, nil
}

// embed returns one vector per piece and the indices of the pieces to keep.
func (s *IngestionService) embed(ctx context.Context, pieces []chunker.Piece) ([][]float32, []int, error) {
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}
	coord := embedding.Coordinator{
		MaxConcurrency: s.opts.MaxConcurrency,
		CallTimeout:    s.opts.CallTimeout,
	}
	if s.metrics != nil {
		coord.Observe = s.metrics.ObserveEmbed
	}
	fn := embedding.WithDimension(s.retrying(embedding.FromEmbedder(s.embedder)), s.store.Dimension())
	batch, err := coord.EmbedAll(ctx, texts, fn)
	if err == nil {
		return batch.Vectors, batch.Embedded(), nil
	}
	var partial *embedding.PartialFailureError
	switch {
	case errors.Is(err, domain.ErrCanceled):
		return nil, nil, err
	case errors.Is(err, domain.ErrInvalidConfig):
		return nil, nil, fmt.Errorf("embed chunks: %w", err)
	case errors.As(err, &partial) && s.opts.AllowPartial && len(partial.Failures) < len(texts):
		logger.FromContext(ctx).Warn("Storing partially embedded document",
			"failed", len(partial.Failures), "total", len(texts))
		return batch.Vectors, batch.Embedded(), nil
	default:
		return nil, nil, fmt.Errorf("embed chunks: %w", err)
	}
}

// retrying wraps fn so retryable provider errors are retried with exponential backoff.
func (s *IngestionService) retrying(fn embedding.EmbedFunc) embedding.EmbedFunc {
	if s.opts.RetryAttempts <= 0 {
		return fn
	}
	base := s.opts.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	attempts := uint64(s.opts.RetryAttempts) // #nosec G115 -- checked positive above
	return func(ctx context.Context, text string) ([]float32, error) {
		backoff := retry.WithMaxRetries(attempts, retry.NewExponential(base))
		var vec []float32
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			v, err := fn(ctx, text)
			if err != nil {
				if domain.IsRetryable(err) {
					return retry.RetryableError(err)
				}
				return err
			}
			vec = v
			return nil
		})
		if err != nil {
			return nil, err
		}
		return vec, nil
	}
}

// Document returns a stored document and its chunks.
func (s *IngestionService) Document(ctx context.Context, ns domain.Namespace, id string) (*DocumentDetail, error) {
	ns, err := s.namespace(ns)
	if err != nil {
		return nil, err
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	doc, chunks, err := s.store.GetDocumentWithChunks(storeCtx, ns, id)
	if err != nil {
		return nil, err
	}
	return &DocumentDetail{Document: doc, Chunks: chunks}, nil
}

// List pages through the documents of a namespace, newest first.
func (s *IngestionService) List(ctx context.Context, ns domain.Namespace, opts domain.ListOptions) ([]domain.Document, int, error) {
	ns, err := s.namespace(ns)
	if err != nil {
		return nil, 0, err
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.ListDocuments(storeCtx, ns, opts)
}

// Delete removes a document and its chunks. With idempotent set a missing
// document is not an error.
func (s *IngestionService) Delete(ctx context.Context, ns domain.Namespace, id string, idempotent bool) error {
	ns, err := s.namespace(ns)
	if err != nil {
		return err
	}
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	err = s.store.DeleteDocument(storeCtx, ns, id)
	if idempotent && errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err == nil {
		logger.FromContext(ctx).Info("Document deleted", "document_id", id, "namespace", ns)
	}
	return err
}

func (s *IngestionService) namespace(ns domain.Namespace) (domain.Namespace, error) {
	if ns == "" {
		return s.opts.Namespace, nil
	}
	return domain.ParseNamespace(string(ns))
}

func (s *IngestionService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return storeContext(ctx, s.opts.StoreTimeout)
}

func storeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func contentType(req IngestRequest) string {
	if req.ContentType != "" {
		return extract.Normalize(req.ContentType)
	}
	return extract.FromFilename(req.Filename)
}
