package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/cache"
	"github.com/TFMV/streamline/pkg/metrics"
)

var numberSchema = arrow.NewSchema([]arrow.Field{
	{Name: "n", Type: arrow.PrimitiveTypes.Int64},
	{Name: "label", Type: arrow.BinaryTypes.String},
}, nil)

// numberBatches builds batches of consecutive numbers starting at 1.
func numberBatches(t *testing.T, sizes ...int) []batch.Batch {
	t.Helper()
	var out []batch.Batch
	next := int64(1)
	for _, size := range sizes {
		recs := make([]batch.Record, size)
		for i := range recs {
			recs[i] = batch.Record{"n": next, "label": "item"}
			next++
		}
		b, err := batch.FromRecords(numberSchema, recs)
		require.NoError(t, err)
		t.Cleanup(b.Release)
		out = append(out, b)
	}
	return out
}

func numbers(t *testing.T, p Loader) []int64 {
	t.Helper()
	var out []int64
	err := ForEach(context.Background(), p, func(b batch.Batch) error {
		col := b.Column(0).(*array.Int64)
		out = append(out, col.Int64Values()...)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestPipelineIsLazy(t *testing.T) {
	calls := 0
	src := FromBatches(numberSchema, numberBatches(t, 3, 3)...)

	p := New(src).
		MapRecords(func(r batch.Record) (batch.Record, error) {
			calls++
			return r, nil
		}).
		FilterRecords(func(r batch.Record) (bool, error) {
			calls++
			return true, nil
		})

	assert.Equal(t, 0, calls)
	assert.Equal(t, 2, p.Depth())

	it, err := p.Iterate(context.Background())
	require.NoError(t, err)
	defer it.Close()
	assert.Equal(t, 0, calls, "creating an iterator must not pull batches")

	b, err := it.Next(context.Background())
	require.NoError(t, err)
	defer b.Release()
	assert.Equal(t, 6, calls, "only the first batch is processed")
}

func TestMapBatches(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 3)...)
	p := New(src).MapBatches(func(ctx context.Context, b batch.Batch) (batch.Batch, error) {
		return batch.Slice(b, 0, 1), nil
	})

	assert.Equal(t, []int64{1, 3}, numbers(t, p))
	n, ok := New(src).Len()
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestMapStagesHideLength(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 2)...)
	p := New(src).MapBatches(func(ctx context.Context, b batch.Batch) (batch.Batch, error) {
		if b.Column(0).(*array.Int64).Value(0) == 1 {
			return batch.Slice(b, 0, 0), nil
		}
		return b, nil
	})

	batches, _, err := p.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	_, ok := p.Len()
	assert.False(t, ok, "a map stage may drop empty batches")

	_, ok = New(src).MapRecords(func(r batch.Record) (batch.Record, error) { return r, nil }).Len()
	assert.False(t, ok)

	n, ok := New(src).Stats(metrics.NewStatsCollector()).Len()
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestMapRecordsAddsField(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2)...)
	p := New(src).MapRecords(func(r batch.Record) (batch.Record, error) {
		r["double"] = r["n"].(int64) * 2
		return r, nil
	})

	recs, err := p.ToRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(4), recs[1]["double"])
	assert.Equal(t, "item", recs[1]["label"])
}

func TestMapRecordsInfersTypeFromFirstNonNil(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 3)...)
	p := New(src).MapRecords(func(r batch.Record) (batch.Record, error) {
		n := r["n"].(int64)
		if n == 1 {
			r["score"] = nil
		} else {
			r["score"] = n * 10
		}
		return r, nil
	})

	recs, err := p.ToRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Nil(t, recs[0]["score"])
	assert.Equal(t, int64(20), recs[1]["score"])
	assert.Equal(t, int64(30), recs[2]["score"])
}

func TestMapRecordsDropsNilRecords(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 2)...)
	p := New(src).MapRecords(func(r batch.Record) (batch.Record, error) {
		if r["n"].(int64) <= 2 {
			return nil, nil
		}
		return r, nil
	})

	batches, rows, err := p.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 2, rows)
}

func TestFilterRecordsDropsEmptyBatches(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 3, 3, 3)...)
	p := New(src).FilterRecords(func(r batch.Record) (bool, error) {
		n := r["n"].(int64)
		return n <= 2 || n >= 7, nil
	})

	batches, rows, err := p.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, batches, "the middle batch is filtered out entirely")
	assert.Equal(t, 5, rows)
	assert.Equal(t, []int64{1, 2, 7, 8, 9}, numbers(t, p))

	_, ok := p.Len()
	assert.False(t, ok)
}

func TestFilterMask(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 4)...)
	p := New(src).FilterMask(func(ctx context.Context, b batch.Batch) (*array.Boolean, error) {
		bb := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer bb.Release()
		col := b.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			bb.Append(col.Value(i)%2 == 0)
		}
		return bb.NewBooleanArray(), nil
	})

	assert.Equal(t, []int64{2, 4}, numbers(t, p))
}

func TestFilterMaskLengthMismatch(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 4)...)
	p := New(src).FilterMask(func(ctx context.Context, b batch.Batch) (*array.Boolean, error) {
		bb := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer bb.Release()
		bb.Append(true)
		return bb.NewBooleanArray(), nil
	})

	_, _, err := p.Count(context.Background())
	assert.ErrorIs(t, err, errMaskLength)
}

func TestFilterMaskRejectsNilMask(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2)...)
	p := New(src).FilterMask(func(ctx context.Context, b batch.Batch) (*array.Boolean, error) {
		return nil, nil
	})

	_, _, err := p.Count(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errNilMask)
	assert.Contains(t, err.Error(), "filter_mask stage")
}

func TestFilterBatchesDropsEmpty(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 2)...)
	p := New(src).FilterBatches(func(ctx context.Context, b batch.Batch) (batch.Batch, error) {
		if b.Column(0).(*array.Int64).Value(0) == 1 {
			return batch.Slice(b, 0, 0), nil
		}
		return b, nil
	})

	batches, rows, err := p.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 2, rows)
}

func TestStageErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	src := FromBatches(numberSchema, numberBatches(t, 2)...)
	p := New(src).MapRecords(func(r batch.Record) (batch.Record, error) {
		return nil, boom
	})

	_, err := p.Materialize(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMaterialize(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 3, 1)...)
	b, err := New(src).Materialize(context.Background())
	require.NoError(t, err)
	defer b.Release()
	assert.Equal(t, 6, batch.Rows(b))

	empty, err := Materialize(context.Background(), FromBatches(numberSchema))
	require.NoError(t, err)
	defer empty.Release()
	assert.Equal(t, 0, batch.Rows(empty))
	assert.True(t, empty.Schema().Equal(numberSchema))
}

func TestMaterializeThroughStages(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 3)...)
	p := New(src).
		FilterRecords(func(r batch.Record) (bool, error) { return r["n"].(int64)%2 == 1, nil }).
		MapBatches(func(ctx context.Context, b batch.Batch) (batch.Batch, error) { return b, nil })

	b, err := p.Materialize(context.Background())
	require.NoError(t, err)
	defer b.Release()
	assert.Equal(t, 3, batch.Rows(b))
	assert.Equal(t, []int64{1, 3, 5}, b.Column(0).(*array.Int64).Int64Values())

	// A pipeline used as another pipeline's source materializes the same way.
	nested, err := New(p).Materialize(context.Background())
	require.NoError(t, err)
	defer nested.Release()
	assert.Equal(t, 3, batch.Rows(nested))

	viaHelper, err := Materialize(context.Background(), p)
	require.NoError(t, err)
	defer viaHelper.Release()
	assert.Equal(t, 3, batch.Rows(viaHelper))
}

// scoreByBatch adds a score column that is an integer in the first batch and
// nil everywhere in later ones, so the inferred schemas differ.
func scoreByBatch(t *testing.T) *Pipeline {
	t.Helper()
	src := FromBatches(numberSchema, numberBatches(t, 2, 2)...)
	return New(src).MapRecords(func(r batch.Record) (batch.Record, error) {
		n := r["n"].(int64)
		if n <= 2 {
			r["score"] = n
		} else {
			r["score"] = nil
		}
		return r, nil
	})
}

func TestToTableRejectsMixedSchemas(t *testing.T) {
	_, err := scoreByBatch(t).ToTable(context.Background())
	assert.ErrorIs(t, err, batch.ErrSchemaMismatch)

	_, err = scoreByBatch(t).Materialize(context.Background())
	assert.ErrorIs(t, err, batch.ErrSchemaMismatch)
}

func TestToTable(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 2, 3)...)
	tbl, err := New(src).ToTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()
	assert.Equal(t, int64(5), tbl.NumRows())
	assert.Equal(t, int64(2), tbl.NumCols())
}

func TestPrefetchedPipelinePreservesOrder(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 3, 1, 4, 2, 5)...)
	p := New(src).
		FilterRecords(func(r batch.Record) (bool, error) { return true, nil }).
		Prefetch(3)

	want := make([]int64, 15)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, numbers(t, p))
}

func TestPrefetchDepthOneIsPassthrough(t *testing.T) {
	src := FromBatches(numberSchema)
	assert.Same(t, src, WithPrefetch(src, 1))
	assert.Same(t, src, WithPrefetch(src, 0))
}

type failingLoader struct {
	batches []batch.Batch
	err     error
}

func (l *failingLoader) Iterate(ctx context.Context) (Iterator, error) {
	i := 0
	return IteratorFunc(func(ctx context.Context) (batch.Batch, error) {
		if i >= len(l.batches) {
			return nil, l.err
		}
		b := l.batches[i]
		i++
		b.Retain()
		return b, nil
	}), nil
}

func TestPrefetchDeliversErrorAfterData(t *testing.T) {
	boom := errors.New("source failed")
	src := &failingLoader{batches: numberBatches(t, 1, 1), err: boom}

	it, err := WithPrefetch(src, 4).Iterate(context.Background())
	require.NoError(t, err)
	defer it.Close()

	for want := int64(1); want <= 2; want++ {
		b, err := it.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, b.Column(0).(*array.Int64).Value(0))
		b.Release()
	}
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestWithStats(t *testing.T) {
	collector := metrics.NewStatsCollector()
	src := FromBatches(numberSchema, numberBatches(t, 2, 3)...)
	p := New(src).Stats(collector)

	_, _, err := p.Count(context.Background())
	require.NoError(t, err)

	s := collector.Snapshot()
	assert.Equal(t, int64(2), s.Batches)
	assert.Equal(t, int64(5), s.Records)
	assert.Greater(t, s.Bytes, int64(0))
}

type countingLoader struct {
	Loader
	iterations int
}

func (l *countingLoader) Iterate(ctx context.Context) (Iterator, error) {
	l.iterations++
	return l.Loader.Iterate(ctx)
}

func TestWithCacheServesSecondPass(t *testing.T) {
	src := &countingLoader{Loader: FromBatches(numberSchema, numberBatches(t, 2, 2)...)}
	c := NewBatchCache(cache.Config{MaxSizeBytes: 1 << 20})
	l := WithCache(src, c, "segment-0", nil)

	first := numbers(t, l)
	second := numbers(t, l)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.iterations)
	assert.Equal(t, int64(1), c.Stats().Hits)
}

func TestWithCacheSkipsOversizedSegment(t *testing.T) {
	src := &countingLoader{Loader: FromBatches(numberSchema, numberBatches(t, 50, 50)...)}
	c := NewBatchCache(cache.Config{MaxSizeBytes: 64})
	l := WithCache(src, c, "big", nil)

	assert.Len(t, numbers(t, l), 100)
	assert.Len(t, numbers(t, l), 100)
	assert.Equal(t, 2, src.iterations)
	assert.Equal(t, 0, c.Len())
}

func TestWithCacheIgnoresAbandonedPass(t *testing.T) {
	src := &countingLoader{Loader: FromBatches(numberSchema, numberBatches(t, 2, 2)...)}
	c := NewBatchCache(cache.Config{MaxSizeBytes: 1 << 20})
	l := WithCache(src, c, "partial", nil)

	it, err := l.Iterate(context.Background())
	require.NoError(t, err)
	b, err := it.Next(context.Background())
	require.NoError(t, err)
	b.Release()
	require.NoError(t, it.Close())

	assert.Equal(t, 0, c.Len())
}

func TestSliceIteratorAfterClose(t *testing.T) {
	it, err := FromBatches(numberSchema, numberBatches(t, 1)...).Iterate(context.Background())
	require.NoError(t, err)
	require.NoError(t, it.Close())
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestForEachStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	seen := 0
	err := ForEach(context.Background(), FromBatches(numberSchema, numberBatches(t, 1, 1, 1)...), func(b batch.Batch) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestCollectEmpty(t *testing.T) {
	batches, err := Collect(context.Background(), LoaderFunc(func(ctx context.Context) (Iterator, error) {
		return IteratorFunc(func(ctx context.Context) (batch.Batch, error) { return nil, io.EOF }), nil
	}))
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestChain(t *testing.T) {
	first := FromBatches(numberSchema, numberBatches(t, 2)...)
	second := FromBatches(numberSchema)
	third := FromBatches(numberSchema, numberBatches(t, 1, 1)...)

	l := Chain(first, second, third)
	n, ok := Len(l)
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	assert.Len(t, numbers(t, l), 4)
}

func TestWithCacheLenDoesNotTouchStats(t *testing.T) {
	src := FromBatches(numberSchema, numberBatches(t, 1, 1, 1)...)
	c := NewBatchCache(cache.Config{MaxSizeBytes: 1 << 20})
	l := WithCache(src, c, "segment", nil)

	numbers(t, l)
	n, ok := Len(l)
	require.True(t, ok)
	assert.Equal(t, 3, n)
	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Equal(t, int64(1), stats.Misses, "only the first Iterate misses")
}

func TestSharedCacheConcurrentEviction(t *testing.T) {
	build := func(n int64) batch.Batch {
		b := array.NewInt64Builder(memory.DefaultAllocator)
		defer b.Release()
		for i := int64(0); i < 64; i++ {
			b.Append(n)
		}
		col := b.NewArray()
		defer col.Release()
		schema := arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int64}}, nil)
		return array.NewRecord(schema, []arrow.Array{col}, 64)
	}

	// Room for roughly two segments, so segments evict each other constantly.
	sample := build(0)
	segBytes := batch.Bytes(sample) * 2
	sample.Release()
	c := NewBatchCache(cache.Config{MaxSizeBytes: segBytes*2 + segBytes/2})

	const loaders = 4
	sources := make([]Loader, loaders)
	for i := range sources {
		a, b := build(int64(i)), build(int64(i))
		sources[i] = WithCache(FromBatches(a.Schema(), a, b), c, fmt.Sprintf("segment-%d", i), nil)
		a.Release()
		b.Release()
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for pass := 0; pass < 50; pass++ {
				want := int64((g + pass) % loaders)
				err := ForEach(context.Background(), sources[want], func(b batch.Batch) error {
					vals := b.Column(0).(*array.Int64).Int64Values()
					if len(vals) != 64 || vals[0] != want || vals[63] != want {
						return fmt.Errorf("segment %d served corrupt batch", want)
					}
					return nil
				})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
	assert.Greater(t, c.Stats().Evictions, int64(0))
	assert.Greater(t, c.Stats().Hits, int64(0))

	c.Clear()
}
