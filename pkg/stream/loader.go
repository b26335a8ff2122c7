// Package stream composes batch sources into lazily evaluated pipelines.
//
// A Loader produces a finite or unbounded sequence of batches. Decorators add
// statistics, read-ahead and caching to any Loader, and a Pipeline chains map and
// filter stages over one. Nothing runs until a Pipeline is iterated, and each stage
// holds at most one batch at a time, so memory stays bounded regardless of the size
// of the underlying dataset.
package stream

import (
	"context"
	"errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/streamline/pkg/batch"
)

// ErrClosed is returned by iterators used after Close.
var ErrClosed = errors.New("stream: iterator closed")

// Iterator yields batches one at a time. Next returns io.EOF once the sequence is
// exhausted. The caller owns every returned batch and should Release it.
type Iterator interface {
	Next(ctx context.Context) (batch.Batch, error)
	Close() error
}

// Loader produces batches. Each call to Iterate starts an independent pass over the
// data, and batches must come out in the same order on every pass.
type Loader interface {
	Iterate(ctx context.Context) (Iterator, error)
}

// Lengther is implemented by loaders that know how many batches they yield.
type Lengther interface {
	Len() (int, bool)
}

// Materializer is implemented by loaders that can produce all of their rows as one
// batch more efficiently than iterating.
type Materializer interface {
	Materialize(ctx context.Context) (batch.Batch, error)
}

// Schemer is implemented by loaders whose schema is known before iteration.
type Schemer interface {
	Schema() *arrow.Schema
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (Iterator, error)

// Iterate calls f.
func (f LoaderFunc) Iterate(ctx context.Context) (Iterator, error) { return f(ctx) }

// IteratorFunc adapts a next function to Iterator. Close is a no-op.
type IteratorFunc func(ctx context.Context) (batch.Batch, error)

// Next calls f.
func (f IteratorFunc) Next(ctx context.Context) (batch.Batch, error) { return f(ctx) }

// Close does nothing.
func (f IteratorFunc) Close() error { return nil }

// Len reports the number of batches l yields if it is known.
func Len(l Loader) (int, bool) {
	if lg, ok := l.(Lengther); ok {
		return lg.Len()
	}
	return 0, false
}

// SchemaOf returns the schema of l if it is known before iteration.
func SchemaOf(l Loader) (*arrow.Schema, bool) {
	if s, ok := l.(Schemer); ok && s.Schema() != nil {
		return s.Schema(), true
	}
	return nil, false
}

// ForEach iterates l and calls fn for every batch. The batch is released after fn
// returns, so fn must Retain it to keep it.
func ForEach(ctx context.Context, l Loader, fn func(batch.Batch) error) error {
	it, err := l.Iterate(ctx)
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		b, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(b)
		b.Release()
		if err != nil {
			return err
		}
	}
}

// Collect drains l into memory. Memory use is unbounded.
func Collect(ctx context.Context, l Loader) ([]batch.Batch, error) {
	var out []batch.Batch
	err := ForEach(ctx, l, func(b batch.Batch) error {
		b.Retain()
		out = append(out, b)
		return nil
	})
	if err != nil {
		releaseAll(out)
		return nil, err
	}
	return out, nil
}

// Materialize combines every batch of l into one. Loaders implementing Materializer
// are asked directly. Memory use is unbounded. The result is nil when l yields no
// batches and its schema is unknown.
func Materialize(ctx context.Context, l Loader) (batch.Batch, error) {
	if m, ok := l.(Materializer); ok {
		return m.Materialize(ctx)
	}

	batches, err := Collect(ctx, l)
	if err != nil {
		return nil, err
	}
	defer releaseAll(batches)

	schema, _ := SchemaOf(l)
	if len(batches) == 0 && schema == nil {
		return nil, nil
	}
	return batch.Concat(schema, batches)
}

func releaseAll(batches []batch.Batch) {
	for _, b := range batches {
		b.Release()
	}
}

// sliceLoader serves batches held in memory.
type sliceLoader struct {
	schema  *arrow.Schema
	batches []batch.Batch
}

// FromBatches returns a Loader over in-memory batches. The loader keeps its own
// reference to each batch; every yielded batch carries an extra reference for the
// caller.
func FromBatches(schema *arrow.Schema, batches ...batch.Batch) Loader {
	for _, b := range batches {
		b.Retain()
	}
	if schema == nil && len(batches) > 0 {
		schema = batches[0].Schema()
	}
	return &sliceLoader{schema: schema, batches: batches}
}

func (l *sliceLoader) Iterate(ctx context.Context) (Iterator, error) {
	return &sliceIterator{batches: l.batches}, nil
}

func (l *sliceLoader) Len() (int, bool) { return len(l.batches), true }

func (l *sliceLoader) Schema() *arrow.Schema { return l.schema }

type sliceIterator struct {
	batches []batch.Batch
	pos     int
	closed  bool
}

func (it *sliceIterator) Next(ctx context.Context) (batch.Batch, error) {
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
	it.pos++
	b.Retain()
	return b, nil
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

// chainLoader yields the batches of several loaders one after another.
type chainLoader struct {
	loaders []Loader
}

// Chain concatenates loaders in order. Each inner loader is iterated only once
// the previous one is exhausted.
func Chain(loaders ...Loader) Loader {
	if len(loaders) == 1 {
		return loaders[0]
	}
	return &chainLoader{loaders: loaders}
}

func (l *chainLoader) Iterate(ctx context.Context) (Iterator, error) {
	return &chainIterator{loaders: l.loaders}, nil
}

// Len is known only when every inner length is known.
func (l *chainLoader) Len() (int, bool) {
	total := 0
	for _, inner := range l.loaders {
		n, ok := Len(inner)
		if !ok {
			return 0, false
		}
		total += n
	}
	return total, true
}

type chainIterator struct {
	loaders []Loader
	current Iterator
	pos     int
	closed  bool
}

func (it *chainIterator) Next(ctx context.Context) (batch.Batch, error) {
	if it.closed {
		return nil, ErrClosed
	}
	for {
		if it.current == nil {
			if it.pos >= len(it.loaders) {
				return nil, io.EOF
			}
			inner, err := it.loaders[it.pos].Iterate(ctx)
			if err != nil {
				return nil, err
			}
			it.current = inner
			it.pos++
		}

		b, err := it.current.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := it.current.Close(); err != nil {
				return nil, err
			}
			it.current = nil
			continue
		}
		return b, err
	}
}

func (it *chainIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.current != nil {
		return it.current.Close()
	}
	return nil
}
