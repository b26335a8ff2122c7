package streamline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/streamline/loader"
	"github.com/TFMV/streamline/pkg/cache"
	"github.com/TFMV/streamline/pkg/metrics"
	"github.com/TFMV/streamline/pkg/prefetch"
	"github.com/TFMV/streamline/pkg/stream"
	"github.com/TFMV/streamline/pkg/vectorstore"
)

// Dataset is a Pipeline over a source wrapped according to a Config: cached
// when the cache is enabled, timed when stats are collected, and read ahead
// when the prefetch depth is above 1.
type Dataset struct {
	*stream.Pipeline

	cfg    Config
	stats  *metrics.StatsCollector
	cache  *stream.BatchCache
	logger *zap.Logger
}

// DatasetOption customizes NewDataset.
type DatasetOption func(*datasetOptions)

type datasetOptions struct {
	cacheKey string
	cache    *stream.BatchCache
	stats    *metrics.StatsCollector
}

// WithCacheKey sets the key the source's batches are cached under. By default
// the source's path is used when it has one.
func WithCacheKey(key string) DatasetOption {
	return func(o *datasetOptions) { o.cacheKey = key }
}

// WithSharedCache makes the dataset use c instead of creating its own cache,
// so several datasets can share one memory budget.
func WithSharedCache(c *stream.BatchCache) DatasetOption {
	return func(o *datasetOptions) { o.cache = c }
}

// WithStatsCollector makes the dataset record into collector instead of
// creating its own.
func WithStatsCollector(collector *metrics.StatsCollector) DatasetOption {
	return func(o *datasetOptions) { o.stats = collector }
}

type pather interface {
	Path() string
}

// NewDataset wraps src according to cfg.
func NewDataset(src stream.Loader, cfg Config, logger *zap.Logger, opts ...DatasetOption) (*Dataset, error) {
	if issues := Errors(ValidateConfig(cfg)); len(issues) > 0 {
		return nil, fmt.Errorf("%w:\n%s", ErrInvalidConfig, FormatValidationIssues(issues))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o datasetOptions
	for _, opt := range opts {
		opt(&o)
	}

	d := &Dataset{cfg: cfg, logger: logger}
	l := src

	if cfg.CacheEnabled {
		d.cache = o.cache
		if d.cache == nil {
			d.cache = stream.NewBatchCache(cache.Config{
				MaxSizeBytes: int64(cfg.CacheSizeMB) << 20,
				TTL:          time.Duration(cfg.CacheTTLSeconds) * time.Second,
			}, cache.WithLogger(logger))
		}
		key := o.cacheKey
		if key == "" {
			if p, ok := src.(pather); ok {
				key = p.Path()
			} else {
				key = fmt.Sprintf("%p", src)
			}
		}
		l = stream.WithCache(l, d.cache, key, logger)
	}

	if cfg.CollectStats {
		d.stats = o.stats
		if d.stats == nil {
			var statsOpts []metrics.StatsOption
			if cfg.MetricsNamespace != "" {
				statsOpts = append(statsOpts, metrics.WithPrometheus(cfg.MetricsNamespace))
			}
			d.stats = metrics.NewStatsCollector(statsOpts...)
		}
		l = stream.WithStats(l, d.stats)
	}

	d.Pipeline = stream.New(l, stream.WithLogger(logger))
	if cfg.PrefetchDepth > 1 {
		d.Pipeline = d.Pipeline.Prefetch(cfg.PrefetchDepth,
			prefetch.WithBufferSize(cfg.PrefetchBufferSize))
	}

	logger.Debug("created dataset",
		zap.Bool("cache", cfg.CacheEnabled),
		zap.Bool("stats", cfg.CollectStats),
		zap.Int("prefetch_depth", cfg.PrefetchDepth))
	return d, nil
}

// OpenDataset picks a loader for path by file extension and wraps it with
// NewDataset.
func OpenDataset(path string, cfg Config, logger *zap.Logger, opts ...loader.Option) (*Dataset, error) {
	opts = append([]loader.Option{
		loader.WithBatchSize(cfg.BatchSize),
		loader.WithLogger(logger),
	}, opts...)
	src, err := loader.ForFile(path, opts...)
	if err != nil {
		return nil, err
	}
	return NewDataset(src, cfg, logger, WithCacheKey(path))
}

// Config returns the configuration the dataset was built with.
func (d *Dataset) Config() Config { return d.cfg }

// StatsCollector returns the collector, or nil when stats are disabled.
func (d *Dataset) StatsCollector() *metrics.StatsCollector { return d.stats }

// Cache returns the batch cache, or nil when caching is disabled.
func (d *Dataset) Cache() *stream.BatchCache { return d.cache }

// Scan drains the dataset and returns the batch and row counts. When stats are
// collected a summary is logged.
func (d *Dataset) Scan(ctx context.Context) (batches, rows int, err error) {
	batches, rows, err = d.Count(ctx)
	if err != nil {
		return batches, rows, err
	}
	if d.stats != nil {
		d.stats.LogSummary(d.logger)
	}
	return batches, rows, nil
}

// OpenVectorStore opens the vector file at path using the dimension and mode
// from cfg. T must match cfg.VectorDType.
func OpenVectorStore[T vectorstore.Element](path string, cfg Config, logger *zap.Logger) (*vectorstore.Store[T], error) {
	if cfg.VectorDimension <= 0 {
		return nil, fmt.Errorf("%w: vector_dimension must be set", ErrInvalidConfig)
	}
	dtype, err := vectorstore.ParseDType(cfg.VectorDType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if want := vectorstore.DTypeOf[T](); dtype != want {
		return nil, fmt.Errorf("%w: vector_dtype is %s, store opened as %s", ErrInvalidConfig, dtype, want)
	}
	mode, err := vectorstore.ParseMode(cfg.VectorMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return vectorstore.Open[T](path, cfg.VectorDimension, mode, vectorstore.WithLogger(logger))
}
