package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hubpack/hubpack/pkg/pipeline"
)

func newInitCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a hubpack project",
		Long: `Write a default configuration file and create the working directories it names.

An existing configuration file is never overwritten.`,
		Example: `  # Initialize a project in the current directory
  hubpack init

  # Initialize with a custom config path
  hubpack init --config build/hubpack.yaml`,
		// init runs before any configuration exists.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", a.configPath).Msg("Initializing project")

			cfg, err := pipeline.InitProject(a.configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Wrote %s\n", a.configPath)
			fmt.Fprintf(out, "  Baseline: %s\n", cfg.Baseline.Version)
			fmt.Fprintf(out, "  Patches:  %s\n", cfg.Path(cfg.Patches.Dir))
			fmt.Fprintf(out, "  Variants: %s\n", cfg.Path(cfg.Boards.VariantsDir))
			fmt.Fprintln(out, "\nNext: edit the configuration, then run 'hubpack prepare'.")
			return nil
		},
	}
	return cmd
}
