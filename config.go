// Package streamline wires the streaming engine together: it loads and
// validates configuration, wraps a batch source into a configured Pipeline, and
// opens vector stores.
package streamline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override configuration,
// e.g. STREAMLINE_BATCH_SIZE.
const EnvPrefix = "STREAMLINE"

// Config holds the engine options recognized in configuration files and the
// environment.
type Config struct {
	// BatchSize is the number of rows per batch read from files.
	BatchSize int `mapstructure:"batch_size"`
	// PrefetchDepth is the number of batches read ahead. 0 and 1 disable read-ahead.
	PrefetchDepth int `mapstructure:"prefetch_depth"`
	// PrefetchBufferSize is the number of batches per queue slot.
	PrefetchBufferSize int `mapstructure:"prefetch_buffer_size"`

	CacheEnabled    bool `mapstructure:"cache_enabled"`
	CacheSizeMB     int  `mapstructure:"cache_size_mb"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`

	CollectStats     bool   `mapstructure:"collect_stats"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`

	VectorDimension int    `mapstructure:"vector_dimension"`
	VectorDType     string `mapstructure:"vector_dtype"`
	VectorMode      string `mapstructure:"vector_mode"`

	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		BatchSize:          1024,
		PrefetchDepth:      2,
		PrefetchBufferSize: 1,
		CacheEnabled:       false,
		CacheSizeMB:        512,
		CacheTTLSeconds:    3600,
		CollectStats:       true,
		MetricsNamespace:   "streamline",
		VectorDimension:    0,
		VectorDType:        "float32",
		VectorMode:         "read",
		LogLevel:           "info",
	}
}

// ErrInvalidConfig is returned by LoadConfig when validation reports errors.
var ErrInvalidConfig = errors.New("invalid configuration")

// SetDefaults registers DefaultConfig with v so that every key is known to
// viper, including for environment lookups.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("prefetch_depth", d.PrefetchDepth)
	v.SetDefault("prefetch_buffer_size", d.PrefetchBufferSize)
	v.SetDefault("cache_enabled", d.CacheEnabled)
	v.SetDefault("cache_size_mb", d.CacheSizeMB)
	v.SetDefault("cache_ttl_seconds", d.CacheTTLSeconds)
	v.SetDefault("collect_stats", d.CollectStats)
	v.SetDefault("metrics_namespace", d.MetricsNamespace)
	v.SetDefault("vector_dimension", d.VectorDimension)
	v.SetDefault("vector_dtype", d.VectorDType)
	v.SetDefault("vector_mode", d.VectorMode)
	v.SetDefault("log_level", d.LogLevel)
}

// NewViper returns a viper instance with defaults and environment overrides set
// up. If path is not empty the file is read as well.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// ConfigFromViper decodes and validates the configuration held by v.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if issues := Errors(ValidateConfig(cfg)); len(issues) > 0 {
		return cfg, fmt.Errorf("%w:\n%s", ErrInvalidConfig, FormatValidationIssues(issues))
	}
	return cfg, nil
}

// LoadConfig reads the configuration file at path, which may be empty, applies
// STREAMLINE_* environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return Config{}, err
	}
	return ConfigFromViper(v)
}
