package vectorstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Element is the set of supported vector element types.
type Element interface {
	float32 | float64 | int32 | int64
}

// Mode controls how a store's backing file is opened.
type Mode int

const (
	// ReadOnly maps an existing file for reading.
	ReadOnly Mode = iota
	// ReadWrite opens or creates a file and keeps existing vectors.
	ReadWrite
	// Create opens a file and truncates it to zero vectors.
	Create
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read"
	case ReadWrite:
		return "read-write"
	case Create:
		return "create"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Writable reports whether the mode allows Append.
func (m Mode) Writable() bool {
	return m == ReadWrite || m == Create
}

// ParseMode parses "read", "read-write" or "create".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r", "read-only", "readonly":
		return ReadOnly, nil
	case "read-write", "rw", "readwrite", "r+":
		return ReadWrite, nil
	case "create", "w", "w+":
		return Create, nil
	}
	return 0, fmt.Errorf("unknown vector mode %q", s)
}

// DType names an element type for configuration.
type DType int

const (
	Float32 DType = iota
	Float64
	Int32
	Int64
)

// String returns the configuration name of the type.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// ArrowType returns the Arrow type of one element.
func (d DType) ArrowType() arrow.DataType {
	switch d {
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Int32:
		return arrow.PrimitiveTypes.Int32
	case Int64:
		return arrow.PrimitiveTypes.Int64
	default:
		return nil
	}
}

// ParseDType parses an element type name.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32", "float":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	case "int32", "i32":
		return Int32, nil
	case "int64", "i64":
		return Int64, nil
	}
	return 0, fmt.Errorf("unknown vector dtype %q", s)
}

// DTypeOf returns the DType of T.
func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case int32:
		return Int32
	default:
		return Int64
	}
}

var (
	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("vectorstore: store is closed")
	// ErrReadOnly is returned when writing to a read-only store.
	ErrReadOnly = errors.New("vectorstore: store is read-only")
	// ErrCorruptSize is returned when the file size is not a whole number of vectors.
	ErrCorruptSize = errors.New("vectorstore: file size is not a multiple of the vector size")
	// ErrIndexOutOfRange is returned for indexes outside [0, Len()).
	ErrIndexOutOfRange = errors.New("vectorstore: index out of range")
	// ErrInvalidDimension is returned when the configured dimension is not positive.
	ErrInvalidDimension = errors.New("vectorstore: dimension must be positive")
	// ErrUnsupported is returned on platforms without memory mapping.
	ErrUnsupported = errors.New("vectorstore: memory mapping not supported on this platform")
)

// DimensionMismatchError reports a vector whose width differs from the store's.
type DimensionMismatchError struct {
	Index    int
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vectorstore: vector %d has dimension %d, expected %d", e.Index, e.Actual, e.Expected)
}
