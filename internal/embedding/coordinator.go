package embedding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ragindex/internal/domain"
)

// Coordinator embeds many texts with bounded concurrency.
type Coordinator struct {
	// MaxConcurrency caps in-flight calls. Values below 1 mean 1.
	MaxConcurrency int
	// CallTimeout bounds each call. Zero disables the per-call deadline.
	CallTimeout time.Duration
	// Observe, when set, is called after every call with its duration and error.
	Observe func(d time.Duration, err error)
}

// Failure records the error for one input index.
type Failure struct {
	Index int
	Err   error
}

// Batch holds the outcome of EmbedAll. Vectors[i] is nil when text i failed or
// was never dispatched.
type Batch struct {
	Vectors  [][]float32
	Failures []Failure
	Canceled bool
}

// Embedded returns the indices that produced a vector, in input order.
func (b *Batch) Embedded() []int {
	out := make([]int, 0, len(b.Vectors))
	for i, v := range b.Vectors {
		if v != nil {
			out = append(out, i)
		}
	}
	return out
}

// PartialFailureError reports that some texts could not be embedded.
type PartialFailureError struct {
	Failures []Failure
	Total    int
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d of %d chunks failed", domain.ErrPartialEmbedding, len(e.Failures), e.Total)
	if len(e.Failures) > 0 {
		fmt.Fprintf(&b, " (first: chunk %d: %v)", e.Failures[0].Index, e.Failures[0].Err)
	}
	return b.String()
}

func (e *PartialFailureError) Is(target error) bool {
	return target == domain.ErrPartialEmbedding
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// EmbedAll calls fn for every text and reassembles the vectors by index.
// A failing call does not stop the others. Once ctx is done no further call is
// started; calls already running keep going under their own timeout and their
// vectors are kept.
func (c *Coordinator) EmbedAll(ctx context.Context, texts []string, fn EmbedFunc) (*Batch, error) {
	batch := &Batch{Vectors: make([][]float32, len(texts))}
	if len(texts) == 0 {
		return batch, nil
	}
	sem := semaphore.NewWeighted(int64(effectiveMaxConcurrency(c.MaxConcurrency)))
	// ctx gates dispatch only
	callCtx := context.WithoutCancel(ctx)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []Failure
	)
	for i, text := range texts {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			defer sem.Release(1)
			vec, err := c.call(callCtx, text, fn)
			if err != nil {
				mu.Lock()
				failures = append(failures, Failure{Index: i, Err: err})
				mu.Unlock()
				return
			}
			batch.Vectors[i] = vec
		}(i, text)
	}
	wg.Wait()

	sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })
	batch.Failures = failures
	if err := ctx.Err(); err != nil {
		batch.Canceled = true
		return batch, domain.CanceledError(err)
	}
	if len(failures) > 0 {
		return batch, &PartialFailureError{Failures: failures, Total: len(texts)}
	}
	return batch, nil
}

func (c *Coordinator) call(ctx context.Context, text string, fn EmbedFunc) ([]float32, error) {
	callCtx := ctx
	if c.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.CallTimeout)
		defer cancel()
	}
	start := time.Now()
	vec, err := fn(callCtx, text)
	if err == nil && len(vec) == 0 {
		err = errors.New("embedder returned an empty vector")
	}
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("embed call exceeded %s: %w", c.CallTimeout, err)
	}
	if c.Observe != nil {
		c.Observe(time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func effectiveMaxConcurrency(limit int) int {
	if limit <= 0 {
		return 1
	}
	return limit
}
