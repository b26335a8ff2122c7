package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, q *Queue[T]) ([]T, error) {
	t.Helper()
	var out []T
	for {
		item, err := q.Next(context.Background())
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestOrderingAcrossSettings(t *testing.T) {
	want := sequence(103)
	for _, bufferSize := range []int{1, 2, 7, 64, 200} {
		for _, maxPrefetch := range []int{1, 2, 5} {
			t.Run(fmt.Sprintf("buffer=%d/prefetch=%d", bufferSize, maxPrefetch), func(t *testing.T) {
				q := New(context.Background(), FromSlice(want),
					WithBufferSize(bufferSize), WithMaxPrefetch(maxPrefetch))
				defer q.Close()

				got, err := drain(t, q)
				assert.ErrorIs(t, err, io.EOF)
				assert.Equal(t, want, got)

				stats := q.Stats()
				assert.Equal(t, int64(len(want)), stats.Produced)
				assert.Equal(t, int64(len(want)), stats.Consumed)
			})
		}
	}
}

func TestEmptySource(t *testing.T) {
	q := New(context.Background(), FromSlice([]string{}))
	defer q.Close()

	_, err := q.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestErrorDeliveredAfterBufferedItems(t *testing.T) {
	boom := errors.New("boom")
	for _, bufferSize := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("buffer=%d", bufferSize), func(t *testing.T) {
			n := 0
			src := SourceFunc[int](func(ctx context.Context) (int, error) {
				n++
				if n > 2 {
					return 0, boom
				}
				return n, nil
			})

			q := New[int](context.Background(), src, WithBufferSize(bufferSize))
			defer q.Close()

			v, err := q.Next(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, v)

			v, err = q.Next(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, v)

			_, err = q.Next(context.Background())
			assert.ErrorIs(t, err, boom)

			// The error is sticky.
			_, err = q.Next(context.Background())
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestBackpressureBoundsReadAhead(t *testing.T) {
	var produced atomic.Int64
	src := SourceFunc[int](func(ctx context.Context) (int, error) {
		return int(produced.Add(1)), nil
	})

	q := New[int](context.Background(), src, WithMaxPrefetch(2), WithBufferSize(3))
	defer q.Close()

	// Two full slots queued plus one buffer being filled and blocked on send.
	assert.Eventually(t, func() bool { return produced.Load() >= 9 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, produced.Load(), int64(9))

	v, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCloseStopsBlockedProducer(t *testing.T) {
	var (
		calls     atomic.Int64
		workerCtx atomic.Value
		discarded atomic.Int64
	)
	src := SourceFunc[int](func(ctx context.Context) (int, error) {
		workerCtx.Store(ctx)
		calls.Add(1)
		return 1, nil
	})
	q := New[int](context.Background(), src, WithMaxPrefetch(1),
		WithDiscard(func(int) { discarded.Add(1) }))

	_, err := q.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.Greater(t, discarded.Load(), int64(0))

	// Close waits for the worker, so its context is done and the source is no
	// longer being read.
	ctx := workerCtx.Load().(context.Context)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	seen := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, calls.Load())

	_, err = q.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSourceErrorNotLostOnCancellation(t *testing.T) {
	boom := errors.New("boom")
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		src := SourceFunc[int](func(context.Context) (int, error) {
			cancel()
			return 0, boom
		})
		q := New[int](ctx, src)

		_, err := q.Next(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF, "a failed source must not look finished")
		require.NoError(t, q.Close())
	}
}

func TestParentContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := SourceFunc[int](func(ctx context.Context) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 1, nil
	})
	q := New[int](ctx, src, WithMaxPrefetch(1))
	defer q.Close()

	cancel()

	var err error
	for i := 0; i < 10; i++ {
		if _, err = q.Next(context.Background()); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNextRespectsConsumerContext(t *testing.T) {
	block := make(chan struct{})
	src := SourceFunc[int](func(ctx context.Context) (int, error) {
		select {
		case <-block:
			return 0, io.EOF
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	q := New[int](context.Background(), src)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
