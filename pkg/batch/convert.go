package batch

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ToRecords converts every row of b into a Record keyed by field name.
func ToRecords(b Batch) ([]Record, error) {
	if b == nil {
		return nil, nil
	}
	schema := b.Schema()
	rows := Rows(b)
	records := make([]Record, rows)
	for r := range records {
		records[r] = make(Record, schema.NumFields())
	}

	for i, col := range b.Columns() {
		name := schema.Field(i).Name
		for r := 0; r < rows; r++ {
			v, err := valueAt(col, r)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", name, r, err)
			}
			records[r][name] = v
		}
	}
	return records, nil
}

// FromRecords builds a batch with the given schema from records. Fields missing from
// a record are appended as nulls; keys not in the schema are ignored.
func FromRecords(schema *arrow.Schema, records []Record) (Batch, error) {
	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	for r, rec := range records {
		for i, field := range schema.Fields() {
			if err := appendValue(rb.Field(i), rec[field.Name]); err != nil {
				return nil, fmt.Errorf("record %d field %q: %w", r, field.Name, err)
			}
		}
	}
	return rb.NewRecord(), nil
}

// SchemaFor derives a schema for rec. Fields present in base keep their base type and
// order; new keys are appended in sorted order with types inferred from their values.
func SchemaFor(base *arrow.Schema, rec Record) (*arrow.Schema, error) {
	return SchemaForRecords(base, []Record{rec})
}

// SchemaForRecords derives one schema covering every record. Fields of base that
// appear in any record keep their base type and order. New keys are appended in
// sorted order, typed by their first non-nil value; a key that is nil in every
// record gets the null type.
func SchemaForRecords(base *arrow.Schema, recs []Record) (*arrow.Schema, error) {
	present := make(map[string]bool)
	for _, rec := range recs {
		for k := range rec {
			present[k] = true
		}
	}

	fields := make([]arrow.Field, 0, len(present))
	seen := make(map[string]bool, len(present))
	if base != nil {
		for _, f := range base.Fields() {
			if present[f.Name] {
				fields = append(fields, f)
				seen[f.Name] = true
			}
		}
	}

	extra := make([]string, 0, len(present))
	for k := range present {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)

	for _, k := range extra {
		var v any
		for _, rec := range recs {
			if v = rec[k]; v != nil {
				break
			}
		}
		dt, err := inferType(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		fields = append(fields, arrow.Field{Name: k, Type: dt, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

func inferType(v any) (arrow.DataType, error) {
	switch v.(type) {
	case nil:
		return arrow.Null, nil
	case bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case int, int64:
		return arrow.PrimitiveTypes.Int64, nil
	case int32:
		return arrow.PrimitiveTypes.Int32, nil
	case int16:
		return arrow.PrimitiveTypes.Int16, nil
	case int8:
		return arrow.PrimitiveTypes.Int8, nil
	case uint, uint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case uint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case uint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case uint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case float32:
		return arrow.PrimitiveTypes.Float32, nil
	case float64:
		return arrow.PrimitiveTypes.Float64, nil
	case string:
		return arrow.BinaryTypes.String, nil
	case []byte:
		return arrow.BinaryTypes.Binary, nil
	case time.Time:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	case []float32:
		return arrow.ListOf(arrow.PrimitiveTypes.Float32), nil
	case []float64:
		return arrow.ListOf(arrow.PrimitiveTypes.Float64), nil
	case []int64:
		return arrow.ListOf(arrow.PrimitiveTypes.Int64), nil
	case []string:
		return arrow.ListOf(arrow.BinaryTypes.String), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

func valueAt(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Boolean:
		return a.Value(i), nil
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Binary:
		return append([]byte(nil), a.Value(i)...), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit), nil
	case array.ListLike:
		start, end := a.ValueOffsets(i)
		return listValues(a.ListValues(), int(start), int(end))
	}
	return arr.GetOneForMarshal(i), nil
}

func listValues(values arrow.Array, start, end int) (any, error) {
	switch v := values.(type) {
	case *array.Float32:
		out := make([]float32, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, v.Value(j))
		}
		return out, nil
	case *array.Float64:
		out := make([]float64, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, v.Value(j))
		}
		return out, nil
	case *array.Int32:
		out := make([]int32, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, v.Value(j))
		}
		return out, nil
	case *array.Int64:
		out := make([]int64, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, v.Value(j))
		}
		return out, nil
	case *array.String:
		out := make([]string, 0, end-start)
		for j := start; j < end; j++ {
			out = append(out, v.Value(j))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: list of %s", ErrUnsupportedType, values.DataType())
}

func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.NullBuilder:
		return fmt.Errorf("%w: non-null value %T for null column", ErrUnsupportedType, v)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		b.Append(x)
	case *array.Int8Builder:
		x, err := intInRange(v, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		b.Append(int8(x))
	case *array.Int16Builder:
		x, err := intInRange(v, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		b.Append(int16(x))
	case *array.Int32Builder:
		x, err := intInRange(v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		b.Append(int32(x))
	case *array.Int64Builder:
		x, err := intInRange(v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		b.Append(x)
	case *array.Uint8Builder:
		x, err := uintInRange(v, math.MaxUint8)
		if err != nil {
			return err
		}
		b.Append(uint8(x))
	case *array.Uint16Builder:
		x, err := uintInRange(v, math.MaxUint16)
		if err != nil {
			return err
		}
		b.Append(uint16(x))
	case *array.Uint32Builder:
		x, err := uintInRange(v, math.MaxUint32)
		if err != nil {
			return err
		}
		b.Append(uint32(x))
	case *array.Uint64Builder:
		x, err := uintInRange(v, math.MaxUint64)
		if err != nil {
			return err
		}
		b.Append(x)
	case *array.Float32Builder:
		x, ok := asFloat64(v)
		if !ok {
			return fmt.Errorf("expected float, got %T", v)
		}
		b.Append(float32(x))
	case *array.Float64Builder:
		x, ok := asFloat64(v)
		if !ok {
			return fmt.Errorf("expected float, got %T", v)
		}
		b.Append(x)
	case *array.StringBuilder:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.Append(x)
	case *array.LargeStringBuilder:
		x, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		b.Append(x)
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			b.Append(x)
		case string:
			b.AppendString(x)
		default:
			return fmt.Errorf("expected bytes, got %T", v)
		}
	case *array.TimestampBuilder:
		t, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		ts, err := arrow.TimestampFromTime(t, b.Type().(*arrow.TimestampType).Unit)
		if err != nil {
			return err
		}
		b.Append(ts)
	case *array.ListBuilder:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return fmt.Errorf("expected slice, got %T", v)
		}
		b.Append(true)
		vb := b.ValueBuilder()
		for j := 0; j < rv.Len(); j++ {
			if err := appendValue(vb, rv.Index(j).Interface()); err != nil {
				return err
			}
		}
	case *array.FixedSizeListBuilder:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return fmt.Errorf("expected slice, got %T", v)
		}
		size := int(b.Type().(*arrow.FixedSizeListType).Len())
		if rv.Len() != size {
			return fmt.Errorf("expected %d elements, got %d", size, rv.Len())
		}
		b.Append(true)
		vb := b.ValueBuilder()
		for j := 0; j < rv.Len(); j++ {
			if err := appendValue(vb, rv.Index(j).Interface()); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, b.Type())
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x), true
		}
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	case float64:
		if x >= math.MinInt64 && x < math.MaxInt64 && x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}

func intInRange(v any, lo, hi int64) (int64, error) {
	switch u := v.(type) {
	case uint:
		if uint64(u) > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d exceeds %d", ErrOutOfRange, u, hi)
		}
	case uint64:
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d exceeds %d", ErrOutOfRange, u, hi)
		}
	}
	x, ok := asInt64(v)
	if !ok {
		return 0, fmt.Errorf("expected integer, got %T %v", v, v)
	}
	if x < lo || x > hi {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, x, lo, hi)
	}
	return x, nil
}

func uintInRange(v any, hi uint64) (uint64, error) {
	var x uint64
	switch u := v.(type) {
	case uint64:
		x = u
	case uint:
		x = uint64(u)
	default:
		i, ok := asInt64(v)
		if !ok {
			return 0, fmt.Errorf("expected unsigned integer, got %T %v", v, v)
		}
		if i < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrOutOfRange, i)
		}
		x = uint64(i)
	}
	if x > hi {
		return 0, fmt.Errorf("%w: %d exceeds %d", ErrOutOfRange, x, hi)
	}
	return x, nil
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
