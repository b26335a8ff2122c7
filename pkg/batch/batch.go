// Package batch defines the unit of I/O in streamline: an immutable Arrow record
// batch whose rows share one schema, plus helpers to convert between batches and
// row-oriented records.
package batch

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Batch is an ordered group of rows sharing one schema. Batches are immutable once
// produced. Whoever receives a Batch from a Next call owns one reference and should
// Release it when done.
type Batch = arrow.Record

// Record is one row of a batch addressed by field name.
type Record = map[string]any

var (
	// ErrSchemaMismatch is returned when batches with different schemas are combined.
	ErrSchemaMismatch = errors.New("batch: schema mismatch")
	// ErrUnsupportedType is returned for column types that have no record mapping.
	ErrUnsupportedType = errors.New("batch: unsupported column type")
	// ErrOutOfRange is returned when a value does not fit its column type.
	ErrOutOfRange = errors.New("batch: value out of range")
)

// Rows returns the number of rows in b. A nil batch has zero rows.
func Rows(b Batch) int {
	if b == nil {
		return 0
	}
	return int(b.NumRows())
}

// IsEmpty reports whether b is nil or has no rows.
func IsEmpty(b Batch) bool {
	return Rows(b) == 0
}

// Bytes returns the number of bytes held by the buffers backing b.
func Bytes(b Batch) int64 {
	if b == nil {
		return 0
	}
	var total int64
	for _, col := range b.Columns() {
		total += ArrayBytes(col)
	}
	return total
}

// ArrayBytes returns the number of bytes held by the buffers backing arr and its children.
func ArrayBytes(arr arrow.Array) int64 {
	if arr == nil {
		return 0
	}
	return dataBytes(arr.Data())
}

func dataBytes(d arrow.ArrayData) int64 {
	var total int64
	for _, buf := range d.Buffers() {
		if buf != nil {
			total += int64(buf.Len())
		}
	}
	for _, child := range d.Children() {
		total += dataBytes(child)
	}
	return total
}

// Empty returns a zero-row batch with the given schema.
func Empty(schema *arrow.Schema) Batch {
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()
	return rb.NewRecord()
}

// Concat combines batches sharing schema into a single batch. The inputs are not
// released.
func Concat(schema *arrow.Schema, batches []Batch) (Batch, error) {
	if len(batches) == 0 {
		return Empty(schema), nil
	}
	if schema == nil {
		schema = batches[0].Schema()
	}
	if len(batches) == 1 {
		if !batches[0].Schema().Equal(schema) {
			return nil, fmt.Errorf("%w: %s vs %s", ErrSchemaMismatch, batches[0].Schema(), schema)
		}
		batches[0].Retain()
		return batches[0], nil
	}

	var rows int64
	for _, b := range batches {
		if !b.Schema().Equal(schema) {
			return nil, fmt.Errorf("%w: %s vs %s", ErrSchemaMismatch, b.Schema(), schema)
		}
		rows += b.NumRows()
	}

	cols := make([]arrow.Array, schema.NumFields())
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	parts := make([]arrow.Array, len(batches))
	for i := range cols {
		for j, b := range batches {
			parts[j] = b.Column(i)
		}
		col, err := array.Concatenate(parts, memory.DefaultAllocator)
		if err != nil {
			return nil, fmt.Errorf("failed to concatenate column %q: %w", schema.Field(i).Name, err)
		}
		cols[i] = col
	}

	return array.NewRecord(schema, cols, rows), nil
}

// Slice returns rows [start, end) of b as a new batch sharing b's buffers.
func Slice(b Batch, start, end int) Batch {
	return b.NewSlice(int64(start), int64(end))
}
