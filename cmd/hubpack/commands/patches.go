package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hubpack/hubpack/pkg/pipeline"
)

func newPatchesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patches",
		Short: "Create and check per-file patches",
	}

	cmd.AddCommand(newPatchesCreateCommand(a))
	cmd.AddCommand(newPatchesVerifyCommand(a))
	cmd.AddCommand(newPatchesWatchCommand(a))

	return cmd
}

func newPatchesCreateCommand(a *app) *cobra.Command {
	var sequence int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate patches from the working copy",
		Long: `Diff every source file in the working copy against the baseline snapshot
and write one patch per changed file.

Patches for files that no longer differ are left in place.`,
		Example: `  # Generate patches with the default sequence number
  hubpack patches create

  # Generate a second series
  hubpack patches create --sequence 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.pipe.GeneratePatches(cmd.Context(), sequence)
			if err != nil {
				return err
			}

			if a.jsonOutput {
				ids := make([]string, 0, len(records))
				for _, r := range records {
					ids = append(ids, r.ID)
				}
				return printJSON(cmd.OutOrStdout(), ids)
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No changes against the baseline")
				return nil
			}
			for _, r := range records {
				fmt.Fprintf(out, "✓ %s\n", r.FileName())
			}
			fmt.Fprintf(out, "\n%d patch(es) written\n", len(records))
			return nil
		},
	}

	cmd.Flags().IntVar(&sequence, "sequence", 1, "sequence number for new patches")
	return cmd
}

func newPatchesVerifyCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the header of every stored patch",
		Long: `Check that every stored patch carries a complete header naming the
baseline it was generated against. Exits non-zero when any patch is malformed.`,
		Example: `  hubpack patches verify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := a.pipe.VerifyPatches()
			if err != nil && !errors.Is(err, pipeline.ErrMalformedPatches) {
				return err
			}

			if a.jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
					return perr
				}
				return err
			}

			out := cmd.OutOrStdout()
			for _, v := range results {
				if v.WellFormed {
					fmt.Fprintf(out, "✓ %s\n", v.PatchID)
				} else {
					fmt.Fprintf(out, "✗ %s: %s\n", v.PatchID, v.Reason)
				}
			}
			return err
		},
	}
}

func newPatchesWatchCommand(a *app) *cobra.Command {
	var sequence int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Regenerate patches whenever the working copy changes",
		Long: `Watch the working copy and regenerate patches after each burst of changes
to a source file. Stops on interrupt.`,
		Example: `  hubpack patches watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("dir", a.cfg.Path(a.cfg.Working.ModifiedDir)).Msg("Watching working copy")
			return a.pipe.WatchPatches(cmd.Context(), sequence)
		},
	}

	cmd.Flags().IntVar(&sequence, "sequence", 1, "sequence number for regenerated patches")
	return cmd
}
