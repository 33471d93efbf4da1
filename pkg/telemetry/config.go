package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for a hubpack invocation.
type Config struct {
	// ServiceName is the name reported on traces.
	ServiceName string

	// ServiceVersion is the hubpack build version.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// NoColor disables ANSI colors in console output.
	NoColor bool
}

// TracingConfig configures tracing.
type TracingConfig struct {
	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string

	// Endpoint is the OTLP collector endpoint.
	Endpoint string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration

	// Insecure disables TLS for the exporter connection.
	Insecure bool
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Textfile is where the registry is written after each command, in the
	// node_exporter textfile collector format. Empty disables metrics.
	Textfile string

	// Namespace is the metrics namespace prefix.
	Namespace string

	// DurationBuckets are the stage duration buckets in seconds.
	DurationBuckets []float64
}

// Enabled reports whether metrics are collected.
func (c MetricsConfig) Enabled() bool {
	return c.Textfile != ""
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "hubpack",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Namespace: "hubpack",
			DurationBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
			},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("otlp trace exporter requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
