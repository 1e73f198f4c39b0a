package embedding

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
)

func numbered(n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = strconv.Itoa(i)
	}
	return texts
}

func indexVector(text string) []float32 {
	i, _ := strconv.Atoi(text)
	return []float32{float32(i), 1}
}

func TestCoordinator_EmbedAll(t *testing.T) {
	t.Run("Should never exceed the concurrency cap and keep input order", func(t *testing.T) {
		var inFlight, peak atomic.Int64
		fn := func(_ context.Context, text string) ([]float32, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			return indexVector(text), nil
		}
		c := &Coordinator{MaxConcurrency: 5}
		batch, err := c.EmbedAll(t.Context(), numbered(100), fn)
		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int64(5))
		assert.Greater(t, peak.Load(), int64(1))
		require.Len(t, batch.Vectors, 100)
		for i, v := range batch.Vectors {
			assert.Equal(t, float32(i), v[0])
		}
		assert.Len(t, batch.Embedded(), 100)
	})

	t.Run("Should collect failures without aborting siblings", func(t *testing.T) {
		var calls atomic.Int64
		fn := func(_ context.Context, text string) ([]float32, error) {
			calls.Add(1)
			if text == "3" || text == "7" {
				return nil, domain.ErrRateLimited
			}
			return indexVector(text), nil
		}
		c := &Coordinator{MaxConcurrency: 3}
		batch, err := c.EmbedAll(t.Context(), numbered(10), fn)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrPartialEmbedding)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Equal(t, int64(10), calls.Load())

		var partial *PartialFailureError
		require.ErrorAs(t, err, &partial)
		require.Len(t, partial.Failures, 2)
		assert.Equal(t, 3, partial.Failures[0].Index)
		assert.Equal(t, 7, partial.Failures[1].Index)
		assert.Nil(t, batch.Vectors[3])
		assert.Equal(t, []int{0, 1, 2, 4, 5, 6, 8, 9}, batch.Embedded())
		assert.False(t, batch.Canceled)
	})

	t.Run("Should bound each call by the call timeout", func(t *testing.T) {
		fn := func(ctx context.Context, text string) ([]float32, error) {
			if text == "1" {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return indexVector(text), nil
		}
		c := &Coordinator{MaxConcurrency: 2, CallTimeout: 20 * time.Millisecond}
		batch, err := c.EmbedAll(t.Context(), numbered(3), fn)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, err, domain.ErrPartialEmbedding)
		require.Len(t, batch.Failures, 1)
		assert.Equal(t, 1, batch.Failures[0].Index)
		assert.NotNil(t, batch.Vectors[2])
	})

	t.Run("Should stop dispatching once canceled and keep in-flight vectors", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()
		var started atomic.Int64
		fn := func(ctx context.Context, text string) ([]float32, error) {
			started.Add(1)
			select {
			case <-time.After(50 * time.Millisecond):
				return indexVector(text), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		c := &Coordinator{MaxConcurrency: 2}
		batch, err := c.EmbedAll(ctx, numbered(6), fn)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrCanceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, batch.Canceled)
		assert.Equal(t, int64(2), started.Load())
		assert.Empty(t, batch.Failures)
		assert.Equal(t, []int{0, 1}, batch.Embedded())
		assert.Equal(t, float32(1), batch.Vectors[1][0])
	})

	t.Run("Should keep the call timeout after cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		fn := func(ctx context.Context, _ string) ([]float32, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
		c := &Coordinator{MaxConcurrency: 1, CallTimeout: 20 * time.Millisecond}
		batch, err := c.EmbedAll(ctx, numbered(3), fn)
		assert.ErrorIs(t, err, domain.ErrCanceled)
		require.Len(t, batch.Failures, 1)
		assert.ErrorIs(t, batch.Failures[0].Err, context.DeadlineExceeded)
	})

	t.Run("Should treat an empty vector as a failure", func(t *testing.T) {
		fn := func(context.Context, string) ([]float32, error) { return nil, nil }
		c := &Coordinator{}
		_, err := c.EmbedAll(t.Context(), numbered(1), fn)
		assert.ErrorIs(t, err, domain.ErrPartialEmbedding)
	})

	t.Run("Should report each call to the observer", func(t *testing.T) {
		var observed, failed atomic.Int64
		c := &Coordinator{
			MaxConcurrency: 4,
			Observe: func(_ time.Duration, err error) {
				observed.Add(1)
				if err != nil {
					failed.Add(1)
				}
			},
		}
		fn := func(_ context.Context, text string) ([]float32, error) {
			if text == "0" {
				return nil, errors.New("boom")
			}
			return indexVector(text), nil
		}
		_, _ = c.EmbedAll(t.Context(), numbered(8), fn)
		assert.Equal(t, int64(8), observed.Load())
		assert.Equal(t, int64(1), failed.Load())
	})
}

func TestWithDimension(t *testing.T) {
	fn := WithDimension(func(context.Context, string) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}, 4)
	_, err := fn(t.Context(), "x")
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
