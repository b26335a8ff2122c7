package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Stats is a point-in-time view of the counters held by a StatsCollector
type Stats struct {
	// Number of completed batches
	Batches int64
	// Number of records across all completed batches
	Records int64
	// Number of bytes across batches that reported a size
	Bytes int64
	// Time spent inside batch production
	TotalTime time.Duration
	// Fastest and slowest batch
	MinBatchTime time.Duration
	MaxBatchTime time.Duration
	// Mean time per batch
	AvgBatchTime time.Duration
	// Throughput relative to TotalTime
	RecordsPerSecond float64
	BytesPerSecond   float64
	// Wall time since the first batch started
	Elapsed time.Duration
	// Time the first batch started
	StartedAt time.Time
}

// StatsOption configures a StatsCollector
type StatsOption func(*StatsCollector)

// WithPrometheus exports batch counters under the given namespace on a dedicated registry.
func WithPrometheus(namespace string) StatsOption {
	return func(c *StatsCollector) {
		c.prometheusEnabled = true
		c.namespace = namespace
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) StatsOption {
	return func(c *StatsCollector) {
		c.now = now
	}
}

// StatsCollector records per-batch timing and throughput.
type StatsCollector struct {
	// Prometheus registry
	registry *prometheus.Registry
	// Batch duration histogram
	batchDuration prometheus.Histogram
	// Batch, record and byte counters
	batches prometheus.Counter
	records prometheus.Counter
	bytes   prometheus.Counter
	// Whether Prometheus metrics are enabled
	prometheusEnabled bool
	namespace         string

	now func() time.Time

	// Lock for concurrent access
	mu         sync.RWMutex
	stats      Stats
	batchStart time.Time
	inBatch    bool
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector(opts ...StatsOption) *StatsCollector {
	c := &StatsCollector{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.prometheusEnabled {
		c.registry = prometheus.NewRegistry()

		c.batchDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: c.namespace,
				Name:      "batch_duration_seconds",
				Help:      "Time spent producing one batch",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms-4s
			},
		)

		c.batches = prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: c.namespace,
				Name:      "batches_total",
				Help:      "Total number of batches produced",
			},
		)

		c.records = prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: c.namespace,
				Name:      "records_total",
				Help:      "Total number of records produced",
			},
		)

		c.bytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: c.namespace,
				Name:      "bytes_total",
				Help:      "Total number of bytes produced",
			},
		)

		c.registry.MustRegister(c.batchDuration, c.batches, c.records, c.bytes)
	}

	return c
}

// StartBatch marks the start of a batch.
func (c *StatsCollector) StartBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.stats.StartedAt.IsZero() {
		c.stats.StartedAt = now
	}
	c.batchStart = now
	c.inBatch = true
}

// EndBatch completes the batch opened by StartBatch. A negative byte count means
// the size is unknown. Calls without a matching StartBatch are ignored.
func (c *StatsCollector) EndBatch(records int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inBatch {
		return
	}
	c.inBatch = false

	d := c.now().Sub(c.batchStart)
	s := &c.stats
	s.Batches++
	s.Records += int64(records)
	if bytes > 0 {
		s.Bytes += bytes
	}
	s.TotalTime += d
	if s.Batches == 1 || d < s.MinBatchTime {
		s.MinBatchTime = d
	}
	if d > s.MaxBatchTime {
		s.MaxBatchTime = d
	}

	if c.prometheusEnabled {
		c.batchDuration.Observe(d.Seconds())
		c.batches.Inc()
		c.records.Add(float64(records))
		if bytes > 0 {
			c.bytes.Add(float64(bytes))
		}
	}
}

// Snapshot returns the current counters with derived rates filled in.
func (c *StatsCollector) Snapshot() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	if s.Batches > 0 {
		s.AvgBatchTime = s.TotalTime / time.Duration(s.Batches)
	}
	if secs := s.TotalTime.Seconds(); secs > 0 {
		s.RecordsPerSecond = float64(s.Records) / secs
		s.BytesPerSecond = float64(s.Bytes) / secs
	}
	if !s.StartedAt.IsZero() {
		s.Elapsed = c.now().Sub(s.StartedAt)
	}
	return s
}

// Reset clears all counters. Prometheus counters are cumulative and are not reset.
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = Stats{}
	c.inBatch = false
}

// LogSummary writes the current snapshot to logger.
func (c *StatsCollector) LogSummary(logger *zap.Logger) {
	s := c.Snapshot()
	logger.Info("Batch statistics",
		zap.Int64("batches", s.Batches),
		zap.Int64("records", s.Records),
		zap.Int64("bytes", s.Bytes),
		zap.Duration("total_time", s.TotalTime),
		zap.Duration("avg_batch_time", s.AvgBatchTime),
		zap.Duration("min_batch_time", s.MinBatchTime),
		zap.Duration("max_batch_time", s.MaxBatchTime),
		zap.Float64("records_per_second", s.RecordsPerSecond),
		zap.Float64("bytes_per_second", s.BytesPerSecond),
	)
}

// GetRegistry returns the Prometheus registry, or nil when Prometheus is disabled
func (c *StatsCollector) GetRegistry() *prometheus.Registry {
	return c.registry
}
