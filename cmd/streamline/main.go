package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/TFMV/streamline"
)

var (
	cfgFile string
	v       *viper.Viper
	logger  *zap.Logger
	version = "0.1.0" // Will be set during build
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "streamline",
		Short: "Streamline - bounded-memory batch streaming",
		Long: `Streamline reads Parquet, CSV and NDJSON files as a lazy stream of Arrow
record batches, with read-ahead, caching and per-batch statistics, and manages
memory-mapped vector files.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("batch-size", streamline.DefaultConfig().BatchSize, "rows per batch")
	flags.Int("prefetch-depth", streamline.DefaultConfig().PrefetchDepth, "batches to read ahead (0 or 1 disables)")
	flags.Bool("cache", false, "cache complete passes in memory")
	flags.Bool("stats", streamline.DefaultConfig().CollectStats, "collect per-batch statistics")
	flags.Int("dim", 0, "vector dimension")
	flags.String("dtype", streamline.DefaultConfig().VectorDType, "vector element type (float32, float64, int32, int64)")

	rootCmd.AddCommand(newScanCmd(), newVectorsCmd())
	return rootCmd
}

// flagKeys maps persistent flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":      "log_level",
	"batch-size":     "batch_size",
	"prefetch-depth": "prefetch_depth",
	"cache":          "cache_enabled",
	"stats":          "collect_stats",
	"dim":            "vector_dimension",
	"dtype":          "vector_dtype",
}

// initConfig reads the config file and STREAMLINE_* variables, binds flags on
// top, and builds the logger.
func initConfig(cmd *cobra.Command) error {
	var err error
	v, err = streamline.NewViper(cfgFile)
	if err != nil {
		return err
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	logger, err = setupLogger(v.GetString("log_level"))
	if err != nil {
		return err
	}
	if cfgFile != "" {
		logger.Debug("Using config file", zap.String("file", v.ConfigFileUsed()))
	}
	return nil
}

func setupLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	// Configure the encoder
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	l, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("error setting up logger: %w", err)
	}
	return l, nil
}

// loadConfig decodes the current configuration. Validation errors are
// returned; warnings are logged.
func loadConfig() (streamline.Config, error) {
	cfg, err := streamline.ConfigFromViper(v)
	if err != nil {
		return cfg, err
	}
	for _, issue := range streamline.ValidateConfig(cfg) {
		if issue.Severity == streamline.Warning {
			logger.Warn(issue.Message,
				zap.String("field", issue.Field),
				zap.Any("value", issue.Value),
				zap.String("suggestion", issue.Suggestion))
		}
	}
	return cfg, nil
}
