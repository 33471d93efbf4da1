// Package telemetry provides observability for hubpack runs.
//
// The package combines structured logging (zerolog), tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value
// built once per invocation.
//
// # Structured Logging
//
// NewLogger builds a zerolog.Logger writing console or JSON output to
// stdout, stderr or a file. Components derive children tagged with their
// name:
//
//	logger := telemetry.ComponentLogger(tel.Logger, "patch-engine")
//	logger.Info().Str("patch", id).Msg("Patch applied")
//
// # Tracing
//
// Every pipeline stage runs inside a span named stage.<name> carrying the
// run id. Supported exporters are otlp (gRPC), stdout and none.
//
// # Metrics
//
// hubpack is a batch tool, so metrics are not served over HTTP. When
// telemetry.metrics.textfile is set, the registry is written to that file
// at shutdown in the node_exporter textfile collector format:
//
//	hubpack_patch_results_total{outcome="applied"} 3
//	hubpack_boards{class="missing"} 0
//
// # Stages
//
//	stage := tel.StartStage(ctx, runID, "apply-patches")
//	results, err := engine.Apply(stage.Ctx, set, tree)
//	stage.End(err)
//
// # Graceful Shutdown
//
// Shutdown flushes the metrics textfile and pending spans:
//
//	defer tel.Shutdown(context.Background())
package telemetry
