package vectorstore

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/stream"
)

// Schema returns the schema of batches produced by Loader: an int64 "index"
// column and a fixed-size-list "vector" column.
func (s *Store[T]) Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "index", Type: arrow.PrimitiveTypes.Int64},
		{Name: "vector", Type: arrow.FixedSizeListOf(int32(s.dim), DTypeOf[T]().ArrowType())},
	}, nil)
}

// Loader exposes the store as a stream.Loader yielding chunk vectors per batch.
// The vector count is read when iteration starts.
func (s *Store[T]) Loader(chunk int) stream.Loader {
	if chunk <= 0 {
		chunk = 1024
	}
	return &storeLoader[T]{store: s, chunk: chunk}
}

type storeLoader[T Element] struct {
	store *Store[T]
	chunk int
}

func (l *storeLoader[T]) Iterate(ctx context.Context) (stream.Iterator, error) {
	s := l.store
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &storeIterator[T]{loader: l, end: s.Len(), schema: s.Schema()}, nil
}

func (l *storeLoader[T]) Len() (int, bool) {
	n := l.store.Len()
	return (n + l.chunk - 1) / l.chunk, true
}

func (l *storeLoader[T]) Schema() *arrow.Schema { return l.store.Schema() }

type storeIterator[T Element] struct {
	loader *storeLoader[T]
	schema *arrow.Schema
	pos    int
	end    int
}

func (it *storeIterator[T]) Next(ctx context.Context) (batch.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= it.end {
		return nil, io.EOF
	}
	stop := min(it.pos+it.loader.chunk, it.end)
	vecs, err := it.loader.store.Slice(it.pos, stop)
	if err != nil {
		return nil, err
	}
	b := buildBatch(it.schema, it.pos, vecs)
	it.pos = stop
	return b, nil
}

func (it *storeIterator[T]) Close() error { return nil }

func buildBatch[T Element](schema *arrow.Schema, first int, vecs [][]T) batch.Batch {
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	idx := rb.Field(0).(*array.Int64Builder)
	lb := rb.Field(1).(*array.FixedSizeListBuilder)
	idx.Reserve(len(vecs))
	lb.Reserve(len(vecs))

	for i, v := range vecs {
		idx.Append(int64(first + i))
		lb.Append(true)
		appendValues(lb.ValueBuilder(), v)
	}
	return rb.NewRecord()
}

func appendValues[T Element](b array.Builder, v []T) {
	switch vb := b.(type) {
	case *array.Float32Builder:
		vb.AppendValues(any(v).([]float32), nil)
	case *array.Float64Builder:
		vb.AppendValues(any(v).([]float64), nil)
	case *array.Int32Builder:
		vb.AppendValues(any(v).([]int32), nil)
	case *array.Int64Builder:
		vb.AppendValues(any(v).([]int64), nil)
	}
}
