package streamline

import (
	"fmt"
	"strings"

	"github.com/TFMV/streamline/pkg/vectorstore"
)

// ValidationIssue represents a configuration validation issue
type ValidationIssue struct {
	Field      string             // The config key with the issue
	Value      interface{}        // The current value
	Message    string             // Description of the issue
	Severity   ValidationSeverity // How severe the issue is
	Suggestion string             // Suggested fix
}

// ValidationSeverity indicates how severe a validation issue is
type ValidationSeverity int

const (
	// Error indicates a configuration that will not work
	Error ValidationSeverity = iota
	// Warning indicates a configuration that may cause problems
	Warning
	// Info indicates a configuration that could be improved
	Info
)

// String returns a string representation of the severity
func (s ValidationSeverity) String() string {
	switch s {
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	case Info:
		return "INFO"
	default:
		return "UNKNOWN"
	}
}

// ValidateConfig checks every option of config and returns the issues found.
// Vector options are only checked when VectorDimension is set.
func ValidateConfig(config Config) []ValidationIssue {
	var issues []ValidationIssue

	// Validate batch size
	if config.BatchSize <= 0 {
		issues = append(issues, ValidationIssue{
			Field:      "batch_size",
			Value:      config.BatchSize,
			Message:    "batch_size must be greater than 0",
			Severity:   Error,
			Suggestion: "Set batch_size to a positive value (1024 is a good default)",
		})
	} else if config.BatchSize < 64 {
		issues = append(issues, ValidationIssue{
			Field:      "batch_size",
			Value:      config.BatchSize,
			Message:    "batch_size is unusually low",
			Severity:   Info,
			Suggestion: "Small batches add per-batch overhead to every pipeline stage",
		})
	} else if config.BatchSize > 1<<20 {
		issues = append(issues, ValidationIssue{
			Field:      "batch_size",
			Value:      config.BatchSize,
			Message:    "batch_size is unusually high",
			Severity:   Warning,
			Suggestion: "Very large batches may cause memory pressure",
		})
	}

	// Validate prefetch settings
	if config.PrefetchDepth < 0 {
		issues = append(issues, ValidationIssue{
			Field:      "prefetch_depth",
			Value:      config.PrefetchDepth,
			Message:    "prefetch_depth must not be negative",
			Severity:   Error,
			Suggestion: "Use 0 or 1 to disable read-ahead, or 2 and above to enable it",
		})
	} else if config.PrefetchDepth > 64 {
		issues = append(issues, ValidationIssue{
			Field:      "prefetch_depth",
			Value:      config.PrefetchDepth,
			Message:    "prefetch_depth is unusually high",
			Severity:   Warning,
			Suggestion: "Every prefetched batch is held in memory; 2 to 8 is usually enough",
		})
	}

	if config.PrefetchBufferSize <= 0 {
		issues = append(issues, ValidationIssue{
			Field:      "prefetch_buffer_size",
			Value:      config.PrefetchBufferSize,
			Message:    "prefetch_buffer_size must be greater than 0",
			Severity:   Error,
			Suggestion: "Set prefetch_buffer_size to 1 unless batches are very small",
		})
	}

	// Validate cache settings
	if config.CacheEnabled {
		if config.CacheSizeMB <= 0 {
			issues = append(issues, ValidationIssue{
				Field:      "cache_size_mb",
				Value:      config.CacheSizeMB,
				Message:    "cache_size_mb must be greater than 0 when the cache is enabled",
				Severity:   Error,
				Suggestion: "Set cache_size_mb to the memory budget for cached segments",
			})
		}
		if config.CacheTTLSeconds <= 0 {
			issues = append(issues, ValidationIssue{
				Field:      "cache_ttl_seconds",
				Value:      config.CacheTTLSeconds,
				Message:    "cache_ttl_seconds must be greater than 0 when the cache is enabled",
				Severity:   Error,
				Suggestion: "Set cache_ttl_seconds to how long an unused segment may stay cached",
			})
		}
	}

	// Validate stats settings
	if config.CollectStats && config.MetricsNamespace == "" {
		issues = append(issues, ValidationIssue{
			Field:      "metrics_namespace",
			Value:      config.MetricsNamespace,
			Message:    "metrics_namespace is empty",
			Severity:   Info,
			Suggestion: "Statistics are still collected but not exported to Prometheus",
		})
	}

	// Validate vector store settings
	if config.VectorDimension < 0 {
		issues = append(issues, ValidationIssue{
			Field:      "vector_dimension",
			Value:      config.VectorDimension,
			Message:    "vector_dimension must not be negative",
			Severity:   Error,
			Suggestion: "Set vector_dimension to your embedding size, or 0 when no vector store is used",
		})
	} else if config.VectorDimension > 0 {
		if _, err := vectorstore.ParseDType(config.VectorDType); err != nil {
			issues = append(issues, ValidationIssue{
				Field:      "vector_dtype",
				Value:      config.VectorDType,
				Message:    "Invalid vector element type",
				Severity:   Error,
				Suggestion: "Use one of: float32, float64, int32, int64",
			})
		}
		if _, err := vectorstore.ParseMode(config.VectorMode); err != nil {
			issues = append(issues, ValidationIssue{
				Field:      "vector_mode",
				Value:      config.VectorMode,
				Message:    "Invalid vector store mode",
				Severity:   Error,
				Suggestion: "Use one of: read, read-write, create",
			})
		}
		if config.VectorDimension > 65536 {
			issues = append(issues, ValidationIssue{
				Field:      "vector_dimension",
				Value:      config.VectorDimension,
				Message:    "vector_dimension is unusually high",
				Severity:   Warning,
				Suggestion: "Check that the dimension matches your vectors",
			})
		}
	}

	// Validate log level
	switch strings.ToLower(config.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		issues = append(issues, ValidationIssue{
			Field:      "log_level",
			Value:      config.LogLevel,
			Message:    "Invalid log level",
			Severity:   Warning,
			Suggestion: "Use one of: debug, info, warn, error",
		})
	}

	return issues
}

// Errors returns the issues with Error severity.
func Errors(issues []ValidationIssue) []ValidationIssue {
	var out []ValidationIssue
	for _, issue := range issues {
		if issue.Severity == Error {
			out = append(out, issue)
		}
	}
	return out
}

// FormatValidationIssues returns a formatted string representation of validation issues
func FormatValidationIssues(issues []ValidationIssue) string {
	if len(issues) == 0 {
		return "Configuration is valid."
	}

	var errorCount, warningCount, infoCount int
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Found %d configuration issues:\n\n", len(issues)))

	for i, issue := range issues {
		switch issue.Severity {
		case Error:
			errorCount++
		case Warning:
			warningCount++
		case Info:
			infoCount++
		}

		sb.WriteString(fmt.Sprintf("%d. [%s] %s: %v\n", i+1, issue.Severity, issue.Field, issue.Message))
		sb.WriteString(fmt.Sprintf("   Current value: %v\n", issue.Value))
		sb.WriteString(fmt.Sprintf("   Suggestion: %s\n\n", issue.Suggestion))
	}

	sb.WriteString(fmt.Sprintf("Summary: %d errors, %d warnings, %d informational\n",
		errorCount, warningCount, infoCount))

	return sb.String()
}
