package stream

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/cache"
	"github.com/TFMV/streamline/pkg/metrics"
	"github.com/TFMV/streamline/pkg/prefetch"
)

// statsLoader times every batch pulled from the wrapped loader.
type statsLoader struct {
	inner     Loader
	collector *metrics.StatsCollector
}

// WithStats records the production time, row count and byte size of every batch
// yielded by l.
func WithStats(l Loader, collector *metrics.StatsCollector) Loader {
	if collector == nil {
		return l
	}
	return &statsLoader{inner: l, collector: collector}
}

func (l *statsLoader) Iterate(ctx context.Context) (Iterator, error) {
	it, err := l.inner.Iterate(ctx)
	if err != nil {
		return nil, err
	}
	return &statsIterator{inner: it, collector: l.collector}, nil
}

func (l *statsLoader) Len() (int, bool) { return Len(l.inner) }

func (l *statsLoader) Schema() *arrow.Schema {
	s, _ := SchemaOf(l.inner)
	return s
}

type statsIterator struct {
	inner     Iterator
	collector *metrics.StatsCollector
}

func (it *statsIterator) Next(ctx context.Context) (batch.Batch, error) {
	it.collector.StartBatch()
	b, err := it.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	it.collector.EndBatch(batch.Rows(b), batch.Bytes(b))
	return b, nil
}

func (it *statsIterator) Close() error { return it.inner.Close() }

// prefetchLoader reads ahead from the wrapped loader on a background goroutine.
type prefetchLoader struct {
	inner Loader
	depth int
	opts  []prefetch.Option
}

// WithPrefetch reads up to depth batches ahead of the consumer. A depth of 0 or 1
// disables read-ahead and returns l unchanged. Batches produced by the wrapped
// loader are pulled on the read-ahead goroutine, so its stages run there.
func WithPrefetch(l Loader, depth int, opts ...prefetch.Option) Loader {
	if depth <= 1 {
		return l
	}
	return &prefetchLoader{inner: l, depth: depth, opts: opts}
}

func (l *prefetchLoader) Iterate(ctx context.Context) (Iterator, error) {
	it, err := l.inner.Iterate(ctx)
	if err != nil {
		return nil, err
	}

	opts := append([]prefetch.Option{}, l.opts...)
	opts = append(opts,
		prefetch.WithMaxPrefetch(l.depth),
		prefetch.WithDiscard(func(b batch.Batch) { b.Release() }),
	)
	q := prefetch.New[batch.Batch](ctx, prefetch.SourceFunc[batch.Batch](it.Next), opts...)
	return &prefetchIterator{queue: q, inner: it}, nil
}

func (l *prefetchLoader) Len() (int, bool) { return Len(l.inner) }

func (l *prefetchLoader) Schema() *arrow.Schema {
	s, _ := SchemaOf(l.inner)
	return s
}

type prefetchIterator struct {
	queue *prefetch.Queue[batch.Batch]
	inner Iterator
}

func (it *prefetchIterator) Next(ctx context.Context) (batch.Batch, error) {
	b, err := it.queue.Next(ctx)
	if errors.Is(err, prefetch.ErrClosed) {
		return nil, ErrClosed
	}
	return b, err
}

// Close stops the read-ahead goroutine before closing the wrapped iterator.
func (it *prefetchIterator) Close() error {
	qerr := it.queue.Close()
	if err := it.inner.Close(); err != nil {
		return err
	}
	return qerr
}

// BatchCache holds whole segments of batches keyed by segment name.
type BatchCache = cache.Cache[string, []batch.Batch]

// NewBatchCache creates a cache for WithCache. Evicted segments are released.
func NewBatchCache(cfg cache.Config, opts ...cache.Option) *BatchCache {
	opts = append(opts, cache.WithOnEvict(func(_ string, batches []batch.Batch) {
		releaseAll(batches)
	}))
	return cache.New[string, []batch.Batch](cfg, opts...)
}

// cachedLoader memoizes the full output of the wrapped loader under one key.
type cachedLoader struct {
	inner  Loader
	cache  *BatchCache
	key    string
	logger *zap.Logger
}

// WithCache serves l's batches from c under key once a complete pass has been
// recorded. A pass that is abandoned early, fails, or outgrows the cache is not
// stored, and the data keeps streaming from l.
func WithCache(l Loader, c *BatchCache, key string, logger *zap.Logger) Loader {
	if c == nil {
		return l
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cachedLoader{inner: l, cache: c, key: key, logger: logger}
}

func (l *cachedLoader) Iterate(ctx context.Context) (Iterator, error) {
	// Batches are retained under the cache lock so a concurrent eviction cannot
	// release them first.
	var owned []batch.Batch
	hit := l.cache.GetFunc(l.key, func(batches []batch.Batch) {
		owned = make([]batch.Batch, len(batches))
		for i, b := range batches {
			b.Retain()
			owned[i] = b
		}
	})
	if hit {
		l.logger.Debug("serving segment from cache",
			zap.String("key", l.key),
			zap.Int("batches", len(owned)))
		return &ownedIterator{sliceIterator: sliceIterator{batches: owned}}, nil
	}

	it, err := l.inner.Iterate(ctx)
	if err != nil {
		return nil, err
	}
	return &recordingIterator{
		inner:  it,
		loader: l,
		limit:  l.cache.Capacity(),
	}, nil
}

func (l *cachedLoader) Len() (int, bool) {
	if batches, ok := l.cache.Peek(l.key); ok {
		return len(batches), true
	}
	return Len(l.inner)
}

func (l *cachedLoader) Schema() *arrow.Schema {
	s, _ := SchemaOf(l.inner)
	return s
}

// ownedIterator yields batches it already holds a reference to, releasing any
// that are never handed out.
type ownedIterator struct {
	sliceIterator
}

func (it *ownedIterator) Next(ctx context.Context) (batch.Batch, error) {
	if it.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	b := it.batches[it.pos]
	it.batches[it.pos] = nil
	it.pos++
	return b, nil
}

func (it *ownedIterator) Close() error {
	if !it.closed {
		releaseAll(it.batches[it.pos:])
		it.closed = true
	}
	return nil
}

// recordingIterator passes batches through while keeping a reference to each, and
// stores the complete segment once the wrapped iterator is exhausted.
type recordingIterator struct {
	inner    Iterator
	loader   *cachedLoader
	limit    int64
	size     int64
	recorded []batch.Batch
	dropped  bool
}

func (it *recordingIterator) Next(ctx context.Context) (batch.Batch, error) {
	b, err := it.inner.Next(ctx)
	if errors.Is(err, io.EOF) {
		it.store()
		return nil, err
	}
	if err != nil {
		it.drop()
		return nil, err
	}

	if !it.dropped {
		it.size += batch.Bytes(b)
		if it.size > it.limit {
			it.loader.logger.Debug("segment exceeds cache capacity, streaming uncached",
				zap.String("key", it.loader.key),
				zap.Int64("limit", it.limit))
			it.drop()
		} else {
			b.Retain()
			it.recorded = append(it.recorded, b)
		}
	}
	return b, nil
}

func (it *recordingIterator) store() {
	if it.dropped {
		return
	}
	it.dropped = true
	if !it.loader.cache.PutSized(it.loader.key, it.recorded, it.size) {
		releaseAll(it.recorded)
	}
	it.recorded = nil
}

func (it *recordingIterator) drop() {
	if it.dropped {
		return
	}
	it.dropped = true
	releaseAll(it.recorded)
	it.recorded = nil
}

func (it *recordingIterator) Close() error {
	it.drop()
	return it.inner.Close()
}
