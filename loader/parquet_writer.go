package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/batch"
	"github.com/TFMV/streamline/pkg/stream"
)

// ErrNoSchema is returned when writing a loader that yields no batches and has
// no known schema.
var ErrNoSchema = errors.New("loader: no batches and no schema to write")

// WriteParquet drains l into a Snappy-compressed Parquet file at path, one row
// group per batch, and returns the number of rows written. Parent directories
// are created as needed. On error the partial file is removed.
func WriteParquet(ctx context.Context, l stream.Loader, path string, opts ...Option) (rows int64, err error) {
	o := newOptions(opts)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}

	var fw *pqarrow.FileWriter
	defer func() {
		if fw != nil {
			if cerr := fw.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to finalize parquet file: %w", cerr)
			}
		}
		f.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(o.mem),
	)
	arrProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	err = stream.ForEach(ctx, l, func(b batch.Batch) error {
		if fw == nil {
			w, err := pqarrow.NewFileWriter(b.Schema(), f, props, arrProps)
			if err != nil {
				return fmt.Errorf("failed to create parquet writer: %w", err)
			}
			fw = w
		}
		if err := fw.Write(b); err != nil {
			return fmt.Errorf("failed to write batch: %w", err)
		}
		rows += b.NumRows()
		return nil
	})
	if err != nil {
		return rows, err
	}

	if fw == nil {
		schema, ok := stream.SchemaOf(l)
		if !ok {
			return 0, ErrNoSchema
		}
		if fw, err = pqarrow.NewFileWriter(schema, f, props, arrProps); err != nil {
			return 0, fmt.Errorf("failed to create parquet writer: %w", err)
		}
	}

	o.logger.Info("wrote parquet file",
		zap.String("file", path),
		zap.Int64("rows", rows))
	return rows, nil
}
