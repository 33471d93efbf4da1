package telemetry

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics for one invocation.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	logCloser io.Closer
}

// New creates a telemetry instance from configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, nil)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   metrics,
		Config:    cfg,
		logCloser: closer,
	}, nil
}

// Nop returns a telemetry instance that discards everything.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, nil)
	metrics, _ := NewMetrics(cfg.Metrics)
	return &Telemetry{
		Logger:  zerolog.Nop(),
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}
}

// Shutdown flushes metrics and traces and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Metrics.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if t.logCloser != nil {
		if err := t.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stage is an instrumented pipeline stage: a span, a timer and a logger
// carrying the run and stage fields.
type Stage struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger

	name    string
	timer   *Timer
	metrics *Metrics
}

// StartStage begins an instrumented stage.
func (t *Telemetry) StartStage(ctx context.Context, runID, name string, attrs ...attribute.KeyValue) *Stage {
	spanCtx, span := t.Tracer.StartStageSpan(ctx, runID, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	logger := t.Logger.With().Str("stage", name).Logger()
	if runID != "" {
		logger = logger.With().Str("run_id", runID).Logger()
	}

	return &Stage{
		Ctx:     spanCtx,
		Span:    span,
		Logger:  logger,
		name:    name,
		timer:   NewTimer(),
		metrics: t.Metrics,
	}
}

// End finishes the stage, recording its outcome and duration.
func (s *Stage) End(err error) time.Duration {
	d := s.timer.Duration()
	if err != nil {
		RecordError(s.Span, err)
	} else {
		RecordSuccess(s.Span)
	}
	s.Span.End()
	s.metrics.ObserveStage(s.name, d)
	return d
}
