package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger creates a zerolog logger from the given configuration. The
// returned closer releases the log file when Output is a path.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var writer io.Writer
	var closer io.Closer = nopCloser{}

	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writer = file
		closer = file
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor,
		}
	}

	zlog := zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().Timestamp().
		Logger()

	return zlog, closer, nil
}

// ComponentLogger derives a child logger tagged with the component name.
func ComponentLogger(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// ParseLevel converts a string log level to zerolog.Level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
