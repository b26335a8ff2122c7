package cache

import (
	"reflect"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/streamline/pkg/batch"
)

// Sizer is implemented by values that know their own footprint.
type Sizer interface {
	SizeBytes() int64
}

// EstimateSize approximates the memory footprint of v. Arrow batches and arrays
// report their buffer sizes, byte and numeric slices their backing length, strings
// their byte length; anything else is walked structurally.
func EstimateSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case Sizer:
		return x.SizeBytes()
	case arrow.Record:
		return batch.Bytes(x)
	case []arrow.Record:
		var total int64
		for _, r := range x {
			total += batch.Bytes(r)
		}
		return total
	case arrow.Array:
		return batch.ArrayBytes(x)
	case []byte:
		return int64(len(x))
	case string:
		return int64(len(x))
	case []float32:
		return int64(len(x)) * 4
	case []float64:
		return int64(len(x)) * 8
	case []int32:
		return int64(len(x)) * 4
	case []int64:
		return int64(len(x)) * 8
	}
	return structuralSize(reflect.ValueOf(v), 0)
}

const maxDepth = 16

func structuralSize(rv reflect.Value, depth int) int64 {
	if !rv.IsValid() || depth > maxDepth {
		return 0
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return int64(rv.Type().Size())
		}
		return int64(rv.Type().Size()) + structuralSize(rv.Elem(), depth+1)
	case reflect.String:
		return int64(rv.Type().Size()) + int64(rv.Len())
	case reflect.Slice, reflect.Array:
		elem := rv.Type().Elem()
		if rv.Kind() == reflect.Array && isFlat(elem.Kind()) {
			return int64(rv.Type().Size())
		}
		var size int64
		if rv.Kind() == reflect.Slice {
			size = int64(rv.Type().Size())
			if isFlat(elem.Kind()) {
				return size + int64(rv.Len())*int64(elem.Size())
			}
		}
		for i := 0; i < rv.Len(); i++ {
			size += structuralSize(rv.Index(i), depth+1)
		}
		return size
	case reflect.Map:
		size := int64(rv.Type().Size())
		iter := rv.MapRange()
		for iter.Next() {
			size += structuralSize(iter.Key(), depth+1)
			size += structuralSize(iter.Value(), depth+1)
		}
		return size
	case reflect.Struct:
		var size int64
		for i := 0; i < rv.NumField(); i++ {
			size += structuralSize(rv.Field(i), depth+1)
		}
		return size
	default:
		return int64(rv.Type().Size())
	}
}

func isFlat(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	}
	return false
}
