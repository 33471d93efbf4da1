package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hubpack/hubpack/pkg/pipeline"
	"github.com/hubpack/hubpack/pkg/variants"
)

func newVariantsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variants",
		Short: "Reconcile the board registry with the variant store",
	}
	cmd.AddCommand(newVariantsCheckCommand(a))
	return cmd
}

func newVariantsCheckCommand(a *app) *cobra.Command {
	var opts pipeline.VariantOptions

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Classify boards, sync missing variants and update the index",
		Long: `Compare the boards declared in the registry with the variant directories
in the store. Boards without a variant are copied from the source tree when
it has them, then the supported boards are written into the package index.

If the index cannot be written, the intended document is printed instead and
the command exits non-zero.`,
		Example: `  # Full check with sync and index update
  hubpack variants check

  # Report only
  hubpack variants check --no-sync --no-index

  # Sync from another upstream checkout, machine-readable output
  hubpack variants check --source ../arduino-esp32/variants --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.pipe.CheckVariants(cmd.Context(), opts)
			if res == nil || (err != nil && pipeline.ClassOf(err) != pipeline.ErrorClassIndex) {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				text, jerr := variants.FormatJSON(res.Report)
				if jerr != nil {
					return jerr
				}
				fmt.Fprintln(out, text)
			} else {
				fmt.Fprint(out, variants.FormatCLI(res.Report))
				if res.IndexUpdated {
					fmt.Fprintf(out, "\n✓ Package index updated with %d board(s)\n", len(res.Report.IndexEntries))
				}
			}

			if err != nil {
				printFallback(out, err)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.NoSync, "no-sync", false, "do not copy missing variants from the source tree")
	cmd.Flags().BoolVar(&opts.NoIndex, "no-index", false, "do not write the boards list into the package index")
	cmd.Flags().StringVar(&opts.Source, "source", "", "variant source tree (overrides boards.source_dir)")
	return cmd
}
