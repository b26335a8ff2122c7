package loader

import (
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/stream"
)

// ParquetLoader streams a Parquet file through the pqarrow record reader.
type ParquetLoader struct {
	path string
	opts options
}

// NewParquetLoader creates a loader for the Parquet file at path.
func NewParquetLoader(path string, opts ...Option) *ParquetLoader {
	return &ParquetLoader{path: path, opts: newOptions(opts)}
}

// Path returns the file path.
func (l *ParquetLoader) Path() string { return l.path }

func (l *ParquetLoader) open() (*file.Reader, *pqarrow.FileReader, error) {
	pf, err := file.OpenParquetFile(l.path, false)
	if err != nil {
		return nil, nil, fmt.Errorf("open parquet file: %w", err)
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{
		Parallel:  l.opts.parallel,
		BatchSize: int64(l.opts.batchSize),
	}, l.opts.mem)
	if err != nil {
		pf.Close()
		return nil, nil, fmt.Errorf("create arrow reader for %s: %w", l.path, err)
	}
	return pf, fr, nil
}

// Iterate implements stream.Loader.
func (l *ParquetLoader) Iterate(ctx context.Context) (stream.Iterator, error) {
	pf, fr, err := l.open()
	if err != nil {
		return nil, err
	}
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("create record reader for %s: %w", l.path, err)
	}

	l.opts.logger.Debug("opened parquet file",
		zap.String("file", l.path),
		zap.Int("row_groups", pf.NumRowGroups()),
		zap.Int64("rows", pf.NumRows()))
	return &readerIterator{
		path:    l.path,
		rdr:     rr,
		closers: []io.Closer{pf},
		logger:  l.opts.logger,
	}, nil
}

// Len derives the batch count from the row count in the file footer. It
// returns false if the footer cannot be read.
func (l *ParquetLoader) Len() (int, bool) {
	pf, err := file.OpenParquetFile(l.path, false)
	if err != nil {
		return 0, false
	}
	defer pf.Close()
	rows := pf.NumRows()
	size := int64(l.opts.batchSize)
	return int((rows + size - 1) / size), true
}

// Schema returns the Arrow schema stored in the file, or nil if it cannot be
// read.
func (l *ParquetLoader) Schema() *arrow.Schema {
	pf, fr, err := l.open()
	if err != nil {
		return nil
	}
	defer pf.Close()
	schema, err := fr.Schema()
	if err != nil {
		return nil
	}
	return schema
}

// Materialize reads the whole file as one batch.
func (l *ParquetLoader) Materialize(ctx context.Context) (batch.Batch, error) {
	pf, fr, err := l.open()
	if err != nil {
		return nil, err
	}
	defer pf.Close()

	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("read parquet table %s: %w", l.path, err)
	}
	defer tbl.Release()

	if tbl.NumRows() == 0 {
		return batch.Empty(tbl.Schema()), nil
	}

	tr := array.NewTableReader(tbl, tbl.NumRows())
	defer tr.Release()
	if !tr.Next() {
		return nil, fmt.Errorf("read parquet table %s: %w", l.path, tr.Err())
	}
	rec := tr.Record()
	rec.Retain()
	return rec, nil
}
