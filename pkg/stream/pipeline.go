package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/metrics"
	"github.com/TFMV/streamline/pkg/prefetch"
)

// BatchFunc transforms a whole batch. It must not release its input; returning the
// input unchanged is allowed.
type BatchFunc func(ctx context.Context, b batch.Batch) (batch.Batch, error)

// MaskFunc selects the rows of a batch to keep.
type MaskFunc func(ctx context.Context, b batch.Batch) (*array.Boolean, error)

// RecordFunc transforms one record.
type RecordFunc func(r batch.Record) (batch.Record, error)

// RecordPredicate reports whether a record is kept.
type RecordPredicate func(r batch.Record) (bool, error)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used by pipeline stages.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// Pipeline is an immutable chain of stages over a Loader. Every chaining method
// returns a new Pipeline wrapping the previous one, and no stage runs until the
// pipeline is iterated.
type Pipeline struct {
	loader   Loader
	logger   *zap.Logger
	dropping bool
	depth    int
}

// New starts a pipeline reading from l.
func New(l Loader, opts ...Option) *Pipeline {
	p := &Pipeline{loader: l, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) with(l Loader, dropping bool) *Pipeline {
	return &Pipeline{
		loader:   l,
		logger:   p.logger,
		dropping: p.dropping || dropping,
		depth:    p.depth + 1,
	}
}

// Iterate implements Loader.
func (p *Pipeline) Iterate(ctx context.Context) (Iterator, error) {
	return p.loader.Iterate(ctx)
}

// Len reports the number of batches when it is known. Map and filter stages drop
// batches that end up empty, so the length is unknown once any of them has been
// added.
func (p *Pipeline) Len() (int, bool) {
	if p.dropping {
		return 0, false
	}
	return Len(p.loader)
}

// Schema returns the source schema when no stage may have changed it.
func (p *Pipeline) Schema() *arrow.Schema {
	s, _ := SchemaOf(p.loader)
	return s
}

// Depth returns the number of stages added after the source.
func (p *Pipeline) Depth() int { return p.depth }

// MapBatches applies fn to every batch. Empty results are dropped.
func (p *Pipeline) MapBatches(fn BatchFunc) *Pipeline {
	return p.with(&stageLoader{
		inner: p.loader,
		name:  "map_batches",
		apply: fn,
	}, true)
}

// MapRecords applies fn to every record of every batch and reassembles the results
// into a batch. A nil result drops the record. Fields kept from the input retain
// their types; new fields take the type of their first non-nil value in the batch.
func (p *Pipeline) MapRecords(fn RecordFunc) *Pipeline {
	return p.with(&stageLoader{
		inner: p.loader,
		name:  "map_records",
		apply: func(ctx context.Context, b batch.Batch) (batch.Batch, error) {
			return mapRecords(b, fn)
		},
	}, true)
}

// FilterBatches keeps the batch returned by fn, which should hold a subset of the
// input rows. Batches left empty are dropped.
func (p *Pipeline) FilterBatches(fn BatchFunc) *Pipeline {
	return p.with(&stageLoader{
		inner: p.loader,
		name:  "filter_batches",
		apply: fn,
	}, true)
}

// FilterMask keeps the rows for which fn's mask is true. Null mask entries drop
// the row. Batches left empty are dropped.
func (p *Pipeline) FilterMask(fn MaskFunc) *Pipeline {
	return p.with(&stageLoader{
		inner: p.loader,
		name:  "filter_mask",
		apply: func(ctx context.Context, b batch.Batch) (batch.Batch, error) {
			mask, err := fn(ctx, b)
			if err != nil {
				return nil, err
			}
			if mask == nil {
				return nil, errNilMask
			}
			defer mask.Release()
			return applyMask(ctx, b, mask)
		},
	}, true)
}

// FilterRecords keeps the records for which fn returns true. Batches left empty
// are dropped.
func (p *Pipeline) FilterRecords(fn RecordPredicate) *Pipeline {
	return p.with(&stageLoader{
		inner: p.loader,
		name:  "filter_records",
		apply: func(ctx context.Context, b batch.Batch) (batch.Batch, error) {
			return filterRecords(ctx, b, fn)
		},
	}, true)
}

// Stats records per-batch statistics for batches leaving the current stage.
func (p *Pipeline) Stats(collector *metrics.StatsCollector) *Pipeline {
	next := p.with(WithStats(p.loader, collector), false)
	next.depth = p.depth
	return next
}

// Prefetch reads up to depth batches of the current stage ahead of the consumer.
func (p *Pipeline) Prefetch(depth int, opts ...prefetch.Option) *Pipeline {
	opts = append([]prefetch.Option{prefetch.WithLogger(p.logger)}, opts...)
	next := p.with(WithPrefetch(p.loader, depth, opts...), false)
	next.depth = p.depth
	return next
}

// ForEach calls fn for every batch the pipeline yields.
func (p *Pipeline) ForEach(ctx context.Context, fn func(batch.Batch) error) error {
	return ForEach(ctx, p, fn)
}

// Count drains the pipeline and returns the number of batches and rows it yields.
func (p *Pipeline) Count(ctx context.Context) (batches, rows int, err error) {
	err = p.ForEach(ctx, func(b batch.Batch) error {
		batches++
		rows += batch.Rows(b)
		return nil
	})
	return batches, rows, err
}

// Materialize drains the pipeline into a single batch. Memory use is unbounded;
// use it only for results known to fit in memory. Batches whose schemas differ
// fail with batch.ErrSchemaMismatch.
func (p *Pipeline) Materialize(ctx context.Context) (batch.Batch, error) {
	return Materialize(ctx, p.loader)
}

// ToTable drains the pipeline into an Arrow table. Memory use is unbounded.
// Batches whose schemas differ fail with batch.ErrSchemaMismatch.
func (p *Pipeline) ToTable(ctx context.Context) (arrow.Table, error) {
	batches, err := Collect(ctx, p)
	if err != nil {
		return nil, err
	}
	defer releaseAll(batches)

	schema := p.Schema()
	if len(batches) > 0 {
		schema = batches[0].Schema()
	}
	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	for i, b := range batches {
		if !b.Schema().Equal(schema) {
			return nil, fmt.Errorf("batch %d: %w: %s vs %s", i, batch.ErrSchemaMismatch, b.Schema(), schema)
		}
	}
	return array.NewTableFromRecords(schema, batches), nil
}

// ToRecords drains the pipeline into records. Memory use is unbounded.
func (p *Pipeline) ToRecords(ctx context.Context) ([]batch.Record, error) {
	var out []batch.Record
	err := p.ForEach(ctx, func(b batch.Batch) error {
		recs, err := batch.ToRecords(b)
		if err != nil {
			return err
		}
		out = append(out, recs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// stageLoader applies one transform to the batches of the loader before it. Every
// stage may drop batches, so it reports no length.
type stageLoader struct {
	inner Loader
	name  string
	apply BatchFunc
}

func (l *stageLoader) Iterate(ctx context.Context) (Iterator, error) {
	it, err := l.inner.Iterate(ctx)
	if err != nil {
		return nil, err
	}
	return &stageIterator{inner: it, stage: l}, nil
}

type stageIterator struct {
	inner Iterator
	stage *stageLoader
}

func (it *stageIterator) Next(ctx context.Context) (batch.Batch, error) {
	for {
		in, err := it.inner.Next(ctx)
		if err != nil {
			return nil, err
		}

		out, err := it.stage.apply(ctx, in)
		if out != in {
			in.Release()
		}
		if err != nil {
			if out != nil && out != in {
				out.Release()
			}
			return nil, fmt.Errorf("%s stage: %w", it.stage.name, err)
		}
		if batch.IsEmpty(out) {
			if out != nil {
				out.Release()
			}
			continue
		}
		return out, nil
	}
}

func (it *stageIterator) Close() error { return it.inner.Close() }

func mapRecords(b batch.Batch, fn RecordFunc) (batch.Batch, error) {
	recs, err := batch.ToRecords(b)
	if err != nil {
		return nil, err
	}

	out := make([]batch.Record, 0, len(recs))
	for i, rec := range recs {
		mapped, err := fn(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if mapped != nil {
			out = append(out, mapped)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}

	schema, err := batch.SchemaForRecords(b.Schema(), out)
	if err != nil {
		return nil, err
	}
	return batch.FromRecords(schema, out)
}

func filterRecords(ctx context.Context, b batch.Batch, fn RecordPredicate) (batch.Batch, error) {
	recs, err := batch.ToRecords(b)
	if err != nil {
		return nil, err
	}

	mb := array.NewBooleanBuilder(memory.DefaultAllocator)
	defer mb.Release()
	mb.Reserve(len(recs))

	kept := 0
	for i, rec := range recs {
		keep, err := fn(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if keep {
			kept++
		}
		mb.UnsafeAppend(keep)
	}

	switch kept {
	case 0:
		return nil, nil
	case len(recs):
		return b, nil
	}

	mask := mb.NewBooleanArray()
	defer mask.Release()
	return applyMask(ctx, b, mask)
}

var (
	errMaskLength = errors.New("mask length does not match batch rows")
	errNilMask    = errors.New("mask function returned no mask")
)

func applyMask(ctx context.Context, b batch.Batch, mask *array.Boolean) (batch.Batch, error) {
	if mask.Len() != batch.Rows(b) {
		return nil, fmt.Errorf("%w: %d != %d", errMaskLength, mask.Len(), batch.Rows(b))
	}
	if mask.NullN() == 0 {
		kept := 0
		for i := 0; i < mask.Len(); i++ {
			if mask.Value(i) {
				kept++
			}
		}
		if kept == 0 {
			return nil, nil
		}
		if kept == mask.Len() {
			return b, nil
		}
	}
	return compute.FilterRecordBatch(ctx, b, mask, compute.DefaultFilterOptions())
}
