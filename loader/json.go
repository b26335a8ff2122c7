package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/stream"
)

// ErrSchemaRequired is returned when a JSON loader has no schema.
var ErrSchemaRequired = errors.New("loader: json files require a schema")

// JSONLoader streams a newline-delimited JSON file, one object per row.
type JSONLoader struct {
	path string
	opts options
}

// NewJSONLoader creates a loader for the NDJSON file at path. A schema must be
// supplied with WithSchema.
func NewJSONLoader(path string, opts ...Option) *JSONLoader {
	return &JSONLoader{path: path, opts: newOptions(opts)}
}

// Path returns the file path.
func (l *JSONLoader) Path() string { return l.path }

// Schema returns the configured schema.
func (l *JSONLoader) Schema() *arrow.Schema { return l.opts.schema }

// Iterate implements stream.Loader.
func (l *JSONLoader) Iterate(ctx context.Context) (stream.Iterator, error) {
	if l.opts.schema == nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaRequired, l.path)
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	rdr := array.NewJSONReader(f, l.opts.schema,
		array.WithChunk(l.opts.batchSize),
		array.WithAllocator(l.opts.mem))

	l.opts.logger.Debug("opened json file",
		zap.String("file", l.path),
		zap.Int("batch_size", l.opts.batchSize))
	return &readerIterator{
		path:    l.path,
		rdr:     rdr,
		closers: []io.Closer{f},
		logger:  l.opts.logger,
	}, nil
}
