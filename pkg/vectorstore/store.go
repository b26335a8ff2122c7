// Package vectorstore provides a memory-mapped file of fixed-dimension numeric
// vectors.
//
// The file is a flat, headerless array of count*dim little-endian elements in
// row-major order. The vector count is derived from the file size and never
// stored. Appends grow the file, remap it and write the new vectors into the
// grown region; existing vectors keep their index and bytes.
//
// A Store is safe for concurrent use within one process. Opening the same file
// read-write from more than one Store is not supported.
package vectorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
)

// ErrDimensionMismatch is matched by every *DimensionMismatchError.
var ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")

// Unwrap lets errors.Is match ErrDimensionMismatch.
func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the store's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Store is a memory-mapped array of vectors of element type T.
type Store[T Element] struct {
	mu       sync.RWMutex
	path     string
	mode     Mode
	dim      int
	elemSize int
	count    int
	f        *os.File
	data     []byte
	closed   bool
	logger   *zap.Logger
}

// Open opens the vector file at path. ReadOnly requires the file to exist;
// ReadWrite creates it if missing; Create truncates it to zero vectors.
func Open[T Element](path string, dim int, mode Mode, opts ...Option) (*Store[T], error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	var flag int
	switch mode {
	case ReadOnly:
		flag = os.O_RDONLY
	case ReadWrite:
		flag = os.O_RDWR | os.O_CREATE
	case Create:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	default:
		return nil, fmt.Errorf("vectorstore: invalid mode %v", mode)
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open vector file: %w", err)
	}

	s := &Store[T]{
		path:     path,
		mode:     mode,
		dim:      dim,
		elemSize: DTypeOf[T]().Size(),
		f:        f,
		logger:   o.logger.With(zap.String("path", path)),
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat vector file: %w", err)
	}
	size := fi.Size()
	vecBytes := int64(s.vectorBytes())
	if size%vecBytes != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %d bytes, vector size %d", ErrCorruptSize, size, vecBytes)
	}
	s.count = int(size / vecBytes)

	if size > 0 {
		if err := s.mapFile(int(size)); err != nil {
			f.Close()
			return nil, err
		}
	}

	s.logger.Debug("opened vector store",
		zap.Stringer("mode", mode),
		zap.Int("dim", dim),
		zap.Stringer("dtype", DTypeOf[T]()),
		zap.Int("count", s.count))
	return s, nil
}

func (s *Store[T]) vectorBytes() int { return s.dim * s.elemSize }

func (s *Store[T]) mapFile(size int) error {
	data, err := osMap(s.f, size, s.mode.Writable())
	if err != nil {
		return fmt.Errorf("mmap vector file: %w", err)
	}
	if err := osAdvise(data); err != nil {
		s.logger.Debug("madvise failed", zap.Error(err))
	}
	s.data = data
	return nil
}

func (s *Store[T]) unmap() error {
	if s.data == nil {
		return nil
	}
	err := osUnmap(s.data)
	s.data = nil
	return err
}

// Path returns the backing file path.
func (s *Store[T]) Path() string { return s.path }

// Dim returns the vector dimension.
func (s *Store[T]) Dim() int { return s.dim }

// Mode returns the mode the store was opened with.
func (s *Store[T]) Mode() Mode { return s.mode }

// DType returns the element type.
func (s *Store[T]) DType() DType { return DTypeOf[T]() }

// Len returns the number of vectors.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Get returns a copy of the vector at index i.
func (s *Store[T]) Get(i int) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= s.count {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, i, s.count)
	}
	out := make([]T, s.dim)
	off := i * s.vectorBytes()
	decode(out, s.data[off:off+s.vectorBytes()])
	return out, nil
}

// Slice returns copies of the vectors in [start, end).
func (s *Store[T]) Slice(start, end int) ([][]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if start < 0 || end > s.count || start > end {
		return nil, fmt.Errorf("%w: [%d, %d) not in [0, %d)", ErrIndexOutOfRange, start, end, s.count)
	}

	n := end - start
	flat := make([]T, n*s.dim)
	vb := s.vectorBytes()
	decode(flat, s.data[start*vb:end*vb])

	out := make([][]T, n)
	for i := range out {
		out[i] = flat[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
	}
	return out, nil
}

// Append adds vecs to the end of the store and returns the index of the first
// one. Every width is checked before the file is touched, so a mismatch leaves
// the store unchanged.
func (s *Store[T]) Append(vecs ...[]T) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if !s.mode.Writable() {
		return 0, ErrReadOnly
	}
	for i, v := range vecs {
		if len(v) != s.dim {
			return 0, &DimensionMismatchError{Index: i, Expected: s.dim, Actual: len(v)}
		}
	}

	first := s.count
	if len(vecs) == 0 {
		return first, nil
	}

	if err := s.grow(s.count + len(vecs)); err != nil {
		return 0, err
	}

	vb := s.vectorBytes()
	for i, v := range vecs {
		off := (first + i) * vb
		encode(s.data[off:off+vb], v)
	}
	s.count += len(vecs)

	s.logger.Debug("appended vectors",
		zap.Int("added", len(vecs)),
		zap.Int("count", s.count))
	return first, nil
}

// grow resizes the file to hold newCount vectors and remaps it. On failure the
// previous size and mapping are restored.
func (s *Store[T]) grow(newCount int) error {
	oldSize := int64(s.count * s.vectorBytes())
	newSize := int64(newCount * s.vectorBytes())

	if err := osSync(s.data); err != nil {
		return fmt.Errorf("sync before resize: %w", err)
	}
	if err := s.unmap(); err != nil {
		return fmt.Errorf("unmap before resize: %w", err)
	}

	if err := s.f.Truncate(newSize); err != nil {
		return errors.Join(fmt.Errorf("resize vector file: %w", err), s.restore(oldSize))
	}
	if err := s.mapFile(int(newSize)); err != nil {
		if terr := s.f.Truncate(oldSize); terr != nil {
			err = errors.Join(err, terr)
		}
		return errors.Join(err, s.restore(oldSize))
	}
	return nil
}

func (s *Store[T]) restore(size int64) error {
	if size == 0 {
		return nil
	}
	return s.mapFile(int(size))
}

// Flush writes dirty pages of the mapping to the file.
func (s *Store[T]) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if !s.mode.Writable() {
		return nil
	}
	return osSync(s.data)
}

// Close flushes, unmaps and closes the file. Closing twice is a no-op.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.mode.Writable() {
		if err := osSync(s.data); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	if err := s.unmap(); err != nil {
		errs = append(errs, fmt.Errorf("unmap: %w", err))
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.logger.Debug("closed vector store", zap.Int("count", s.count))
	return errors.Join(errs...)
}

// All calls fn for every vector in index order, reading chunk vectors at a time,
// until fn returns false or an error occurs.
func (s *Store[T]) All(chunk int, fn func(i int, v []T) bool) error {
	if chunk <= 0 {
		chunk = 1024
	}
	for start := 0; ; start += chunk {
		n := s.Len()
		if start >= n {
			return nil
		}
		vecs, err := s.Slice(start, min(start+chunk, n))
		if err != nil {
			return err
		}
		for j, v := range vecs {
			if !fn(start+j, v) {
				return nil
			}
		}
	}
}

func decode[T Element](dst []T, src []byte) {
	switch d := any(dst).(type) {
	case []float32:
		for i := range d {
			d[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case []float64:
		for i := range d {
			d[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case []int32:
		for i := range d {
			d[i] = int32(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case []int64:
		for i := range d {
			d[i] = int64(binary.LittleEndian.Uint64(src[i*8:]))
		}
	}
}

func encode[T Element](dst []byte, src []T) {
	switch s := any(src).(type) {
	case []float32:
		for i, v := range s {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case []float64:
		for i, v := range s {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(v))
		}
	case []int32:
		for i, v := range s {
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(v))
		}
	case []int64:
		for i, v := range s {
			binary.LittleEndian.PutUint64(dst[i*8:], uint64(v))
		}
	}
}
