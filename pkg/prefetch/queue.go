// Package prefetch reads ahead from a source on a background goroutine into a
// bounded queue, so that source latency overlaps with consumer processing.
//
// A Queue has exactly one producer goroutine and is drained by one consumer. The
// producer blocks when the queue is full, which is the only backpressure in the
// pipeline. Items reach the consumer in source order. A source error is delivered
// after every item produced before it.
package prefetch

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("prefetch: queue closed")

// Source produces items one at a time and returns io.EOF when exhausted.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

// Next calls f.
func (f SourceFunc[T]) Next(ctx context.Context) (T, error) { return f(ctx) }

// FromSlice returns a Source yielding items in order.
func FromSlice[T any](items []T) Source[T] {
	i := 0
	return SourceFunc[T](func(ctx context.Context) (T, error) {
		var zero T
		if i >= len(items) {
			return zero, io.EOF
		}
		item := items[i]
		i++
		return item, nil
	})
}

// slot is one queue entry: a chunk of items, or the error that stopped the producer.
// End of stream is signalled by closing the channel.
type slot[T any] struct {
	items []T
	err   error
}

// Stats reports queue progress.
type Stats struct {
	Produced int64
	Consumed int64
}

// Option configures a Queue.
type Option func(*config)

type config struct {
	maxPrefetch int
	bufferSize  int
	logger      *zap.Logger
	discard     func(any)
}

// WithMaxPrefetch sets the number of buffered chunks the producer may run ahead.
func WithMaxPrefetch(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPrefetch = n
		}
	}
}

// WithBufferSize sets how many items are grouped into one queue slot.
func WithBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithLogger sets the logger for producer events.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithDiscard registers a function called for every produced item that is dropped
// unread by Close, such as a batch that must be released.
func WithDiscard[T any](fn func(T)) Option {
	return func(c *config) {
		c.discard = func(v any) { fn(v.(T)) }
	}
}

// Queue is a read-ahead buffer over a Source. Next and Close must be called from the
// consuming goroutine.
type Queue[T any] struct {
	cfg    config
	ch     chan slot[T]
	cancel context.CancelFunc
	g      *errgroup.Group

	cur []T
	pos int
	err error

	// exitErr is written by the producer before it closes ch.
	exitErr error

	closeOnce sync.Once
	closed    bool

	produced atomic.Int64
	consumed atomic.Int64
}

// New starts a producer goroutine reading from src. The producer stops when src is
// exhausted, when src fails, when ctx is cancelled or when Close is called.
func New[T any](ctx context.Context, src Source[T], opts ...Option) *Queue[T] {
	cfg := config{
		maxPrefetch: 2,
		bufferSize:  1,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(ctx)
	q := &Queue[T]{
		cfg:    cfg,
		ch:     make(chan slot[T], cfg.maxPrefetch),
		cancel: cancel,
		g:      new(errgroup.Group),
	}
	q.g.Go(func() error { return q.produce(ctx, src) })
	return q
}

func (q *Queue[T]) produce(ctx context.Context, src Source[T]) (err error) {
	defer func() {
		q.exitErr = err
		close(q.ch)
	}()

	buf := make([]T, 0, q.cfg.bufferSize)
	for {
		item, nextErr := src.Next(ctx)
		if nextErr != nil {
			if len(buf) > 0 && !q.send(ctx, slot[T]{items: buf}) {
				q.discardItems(buf)
				return ctx.Err()
			}
			if errors.Is(nextErr, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.cfg.logger.Warn("prefetch source failed", zap.Error(nextErr))
			if !q.send(ctx, slot[T]{err: nextErr}) {
				return ctx.Err()
			}
			return nil
		}

		q.produced.Add(1)
		buf = append(buf, item)
		if len(buf) == q.cfg.bufferSize {
			if !q.send(ctx, slot[T]{items: buf}) {
				q.discardItems(buf)
				return ctx.Err()
			}
			buf = make([]T, 0, q.cfg.bufferSize)
		}
	}
}

// send blocks until s is queued or ctx is done.
func (q *Queue[T]) send(ctx context.Context, s slot[T]) bool {
	select {
	case q.ch <- s:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next returns the next item in source order. It returns io.EOF once the source is
// exhausted, or the source's error once every earlier item has been returned.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		if q.pos < len(q.cur) {
			item := q.cur[q.pos]
			q.cur[q.pos] = zero
			q.pos++
			q.consumed.Add(1)
			return item, nil
		}
		if q.err != nil {
			return zero, q.err
		}

		select {
		case s, ok := <-q.ch:
			if !ok {
				switch {
				case q.closed:
					q.err = ErrClosed
				case q.exitErr != nil:
					q.err = q.exitErr
				default:
					q.err = io.EOF
				}
				continue
			}
			if s.err != nil {
				q.err = s.err
				continue
			}
			q.cur, q.pos = s.items, 0
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops the producer, waits for it to exit and drops anything still buffered.
// It is safe to call more than once.
func (q *Queue[T]) Close() error {
	q.closeOnce.Do(func() {
		q.closed = true
		q.cancel()
		for s := range q.ch {
			q.discardItems(s.items)
		}
		q.discardItems(q.cur[q.pos:])
		q.cur, q.pos = nil, 0
		if q.err == nil {
			q.err = ErrClosed
		}
	})
	err := q.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns how many items were produced and consumed so far.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Produced: q.produced.Load(),
		Consumed: q.consumed.Load(),
	}
}

func (q *Queue[T]) discardItems(items []T) {
	if q.cfg.discard == nil {
		return
	}
	for _, item := range items {
		q.cfg.discard(item)
	}
}
