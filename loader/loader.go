// Package loader provides stream.Loader implementations over files in Parquet,
// CSV and newline-delimited JSON formats. Every loader opens its file on
// Iterate and reads one batch at a time, so a pass never holds more than the
// current batch in memory.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/stream"
)

// DefaultBatchSize is the number of rows per batch when none is configured.
const DefaultBatchSize = 1024

// ErrUnsupportedFormat is returned for files whose extension has no loader.
var ErrUnsupportedFormat = errors.New("loader: unsupported file format")

// Option configures a file loader.
type Option func(*options)

type options struct {
	batchSize int
	schema    *arrow.Schema
	mem       memory.Allocator
	logger    *zap.Logger
	parallel  bool
	comma     rune
	header    bool
}

func newOptions(opts []Option) options {
	o := options{
		batchSize: DefaultBatchSize,
		mem:       memory.DefaultAllocator,
		logger:    zap.NewNop(),
		comma:     ',',
		header:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithBatchSize sets the number of rows per batch.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithSchema fixes the schema for CSV and JSON files. CSV files without one
// have their column types inferred; JSON files require one.
func WithSchema(schema *arrow.Schema) Option {
	return func(o *options) { o.schema = schema }
}

// WithAllocator sets the Arrow allocator batches are built with.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		if mem != nil {
			o.mem = mem
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithParallel decodes Parquet columns concurrently.
func WithParallel(parallel bool) Option {
	return func(o *options) { o.parallel = parallel }
}

// WithComma sets the CSV field delimiter.
func WithComma(r rune) Option {
	return func(o *options) { o.comma = r }
}

// WithHeader controls whether the first CSV line is a header row.
func WithHeader(header bool) Option {
	return func(o *options) { o.header = header }
}

// factories maps lowercase file extensions to loader constructors.
var factories = map[string]func(string, ...Option) stream.Loader{
	".parquet": func(p string, opts ...Option) stream.Loader { return NewParquetLoader(p, opts...) },
	".csv":     func(p string, opts ...Option) stream.Loader { return NewCSVLoader(p, opts...) },
	".tsv": func(p string, opts ...Option) stream.Loader {
		return NewCSVLoader(p, append([]Option{WithComma('\t')}, opts...)...)
	},
	".json":   func(p string, opts ...Option) stream.Loader { return NewJSONLoader(p, opts...) },
	".jsonl":  func(p string, opts ...Option) stream.Loader { return NewJSONLoader(p, opts...) },
	".ndjson": func(p string, opts ...Option) stream.Loader { return NewJSONLoader(p, opts...) },
}

// SupportedExtensions returns the file extensions ForFile understands, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(factories))
	for ext := range factories {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// ForFile picks a loader by file extension. A directory path yields a
// DirectoryLoader.
func ForFile(path string, opts ...Option) (stream.Loader, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if fi.IsDir() {
		return NewDirectoryLoader(path, opts...)
	}

	ext := strings.ToLower(filepath.Ext(path))
	factory, ok := factories[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, path)
	}
	return factory(path, opts...), nil
}

// recordReader is the subset of the arrow-go readers a readerIterator drives.
type recordReader interface {
	Next() bool
	Record() arrow.Record
	Err() error
	Release()
}

// readerIterator adapts an Arrow record reader over an open file to
// stream.Iterator.
type readerIterator struct {
	path    string
	rdr     recordReader
	closers []io.Closer
	batches int
	logger  *zap.Logger
	closed  bool
}

func (it *readerIterator) Next(ctx context.Context) (batch.Batch, error) {
	if it.closed {
		return nil, stream.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.rdr.Next() {
		rec := it.rdr.Record()
		rec.Retain()
		it.batches++
		return rec, nil
	}
	if err := it.rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s batch %d: %w", it.path, it.batches, err)
	}
	it.logger.Debug("finished file",
		zap.String("file", it.path),
		zap.Int("batches", it.batches))
	return nil, io.EOF
}

func (it *readerIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.rdr.Release()

	var errs []error
	for i := len(it.closers) - 1; i >= 0; i-- {
		if err := it.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
