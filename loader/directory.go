package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/TFMV/streamline/pkg/stream"
)

// DirectoryLoader streams every supported file in a directory, in sorted file
// name order. Subdirectories and files with unknown extensions are skipped.
type DirectoryLoader struct {
	dir   string
	files []string
	inner stream.Loader
	opts  options
}

// NewDirectoryLoader lists dir and builds a loader per supported file. The file
// list is fixed when the loader is created.
func NewDirectoryLoader(dir string, opts ...Option) (*DirectoryLoader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	o := newOptions(opts)
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if _, ok := factories[ext]; !ok {
			o.logger.Debug("skipping unsupported file", zap.String("file", entry.Name()))
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)

	loaders := make([]stream.Loader, len(files))
	for i, path := range files {
		loaders[i] = factories[strings.ToLower(filepath.Ext(path))](path, opts...)
	}

	o.logger.Info("scanned directory",
		zap.String("dir", dir),
		zap.Int("files", len(files)))
	return &DirectoryLoader{
		dir:   dir,
		files: files,
		inner: stream.Chain(loaders...),
		opts:  o,
	}, nil
}

// Files returns the paths the loader reads, in order.
func (l *DirectoryLoader) Files() []string {
	return append([]string(nil), l.files...)
}

// Iterate implements stream.Loader.
func (l *DirectoryLoader) Iterate(ctx context.Context) (stream.Iterator, error) {
	if len(l.files) == 0 {
		return stream.FromBatches(l.opts.schema).Iterate(ctx)
	}
	return l.inner.Iterate(ctx)
}

// Len is known when every file's batch count is known.
func (l *DirectoryLoader) Len() (int, bool) {
	if len(l.files) == 0 {
		return 0, true
	}
	return stream.Len(l.inner)
}
