package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hubpack/hubpack/pkg/config"
	"github.com/hubpack/hubpack/pkg/pipeline"
	"github.com/hubpack/hubpack/pkg/telemetry"
)

// app carries the state every command shares once the configuration has
// been loaded.
type app struct {
	configPath string
	jsonOutput bool
	version    string
	opts       []pipeline.Option

	cfg  *config.Config
	tel  *telemetry.Telemetry
	pipe *pipeline.Pipeline
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	a := &app{version: version}
	rootCmd := newRootCommand(a, version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if cerr := a.close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Shutdown incomplete")
	}
	return err
}

func newRootCommand(a *app, version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hubpack",
		Short: "hubpack - hardware support package builder",
		Long: `hubpack builds a board support package from a pinned upstream release.

It keeps local changes as per-file patches against the upstream baseline,
overlays project files and board variants on the patched tree, verifies the
resulting archive and records it in the package index.`,
		Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultFileName, "config file path")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand(a))
	rootCmd.AddCommand(newPrepareCommand(a))
	rootCmd.AddCommand(newPatchesCommand(a))
	rootCmd.AddCommand(newVariantsCommand(a))
	rootCmd.AddCommand(newToolsCommand(a))
	rootCmd.AddCommand(newReleaseCommand(a))
	rootCmd.AddCommand(newPublishCommand(a))
	rootCmd.AddCommand(newPolicyCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))

	return rootCmd
}

// setup loads the configuration and builds telemetry and the pipeline.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	a.cfg = cfg

	tel, err := telemetry.New(telemetryConfig(cfg, a.version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel

	pipe, err := pipeline.New(cmd.Context(), cfg, tel, a.opts...)
	if err != nil {
		return err
	}
	a.pipe = pipe

	log.Debug().Str("config", a.configPath).Str("version", cfg.Baseline.Version).Msg("Configuration loaded")
	return nil
}

// close runs on every exit path, including failed commands.
func (a *app) close() error {
	var errs []error
	if a.pipe != nil {
		errs = append(errs, a.pipe.Close())
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// telemetryConfig maps the project telemetry section; LOG_LEVEL overrides
// the configured level.
func telemetryConfig(cfg *config.Config, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version

	tc.Logging.Level = cfg.Telemetry.Logging.Level
	tc.Logging.Format = cfg.Telemetry.Logging.Format
	tc.Logging.Output = cfg.Telemetry.Logging.Output
	switch lvl := os.Getenv("LOG_LEVEL"); lvl {
	case "trace", "debug", "info", "warn", "error":
		tc.Logging.Level = lvl
	}

	tc.Tracing.Exporter = cfg.Telemetry.Tracing.Exporter
	tc.Tracing.Endpoint = cfg.Telemetry.Tracing.Endpoint
	tc.Tracing.Insecure = cfg.Telemetry.Tracing.Insecure
	tc.Tracing.SamplingRate = cfg.Telemetry.Tracing.SamplingRate

	tc.Metrics.Textfile = cfg.Telemetry.Metrics.Textfile
	if cfg.Telemetry.Metrics.Namespace != "" {
		tc.Metrics.Namespace = cfg.Telemetry.Metrics.Namespace
	}
	return tc
}
