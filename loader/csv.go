package loader

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/stream"
)

// CSVLoader streams a delimited text file. Without a fixed schema, column types
// are inferred from the first batch of rows.
type CSVLoader struct {
	path string
	opts options
}

// NewCSVLoader creates a loader for the CSV file at path.
func NewCSVLoader(path string, opts ...Option) *CSVLoader {
	return &CSVLoader{path: path, opts: newOptions(opts)}
}

// Path returns the file path.
func (l *CSVLoader) Path() string { return l.path }

// Schema returns the fixed schema, or nil when it is inferred.
func (l *CSVLoader) Schema() *arrow.Schema { return l.opts.schema }

// Iterate implements stream.Loader.
func (l *CSVLoader) Iterate(ctx context.Context) (stream.Iterator, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	csvOpts := []csv.Option{
		csv.WithComma(l.opts.comma),
		csv.WithHeader(l.opts.header),
		csv.WithChunk(l.opts.batchSize),
		csv.WithAllocator(l.opts.mem),
		csv.WithNullReader(true, ""),
	}

	var rdr *csv.Reader
	if l.opts.schema != nil {
		rdr = csv.NewReader(f, l.opts.schema, csvOpts...)
	} else {
		rdr = csv.NewInferringReader(f, csvOpts...)
	}

	l.opts.logger.Debug("opened csv file",
		zap.String("file", l.path),
		zap.Int("batch_size", l.opts.batchSize))
	return &readerIterator{
		path:    l.path,
		rdr:     rdr,
		closers: []io.Closer{f},
		logger:  l.opts.logger,
	}, nil
}
