package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hubpack/hubpack/pkg/patch"
	"github.com/hubpack/hubpack/pkg/pipeline"
	"github.com/hubpack/hubpack/pkg/policy"
	"github.com/hubpack/hubpack/pkg/publish"
)

func newReleaseCommand(a *app) *cobra.Command {
	var publishAfter bool

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Build, verify and index the release archive",
		Long: `Run the full release pipeline:

  1. Extract a fresh copy of the pinned baseline
  2. Reconcile boards and sync missing variants
  3. Apply every stored patch
  4. Evaluate the release policies
  5. Overlay project files and variants, then build the archive
  6. Verify the archive structure and record it in the package index

With --publish the archive and the index are uploaded afterwards.
A failed index update keeps the archive, prints the intended index
document and exits non-zero.`,
		Example: `  # Build the release archive
  hubpack release

  # Build and upload
  hubpack release --publish`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.pipe.Release(cmd.Context(), publishAfter)
			out := cmd.OutOrStdout()

			if a.jsonOutput {
				if perr := printJSON(out, res); perr != nil {
					return perr
				}
			} else {
				printRelease(out, res)
			}

			if err != nil {
				printFallback(out, err)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&publishAfter, "publish", false, "upload the archive and index after a successful release")
	return cmd
}

func printRelease(w io.Writer, res *pipeline.ReleaseResult) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "Release %s (run %s)\n\n", res.Version, res.RunID)

	if total := res.Summary.Total(); total > 0 {
		fmt.Fprintf(w, "Patches: %d applied, %d failed, %d skipped\n",
			res.Summary.Applied, res.Summary.Failed, res.Summary.Skipped)
		for _, r := range res.Patches {
			if r.Outcome == patch.OutcomeFailed {
				fmt.Fprintf(w, "  ✗ %s (%s)\n", r.PatchID, r.Path)
			}
		}
	}

	if len(res.Boards.Matched)+len(res.Boards.Missing) > 0 {
		fmt.Fprintf(w, "Boards:  %d supported, %d missing a variant, %d orphaned variants\n",
			len(res.Boards.Matched), len(res.Boards.Missing), len(res.Boards.Orphaned))
	}

	if res.Decision != nil {
		printDecision(w, res.Decision)
	}

	if res.Artifact != nil {
		fmt.Fprintf(w, "\n✓ Archive %s\n", res.Artifact.Path)
		fmt.Fprintf(w, "  size     %d\n", res.Artifact.Size)
		fmt.Fprintf(w, "  checksum %s\n", res.Artifact.IndexChecksum())
	}
	if res.IndexUpdated {
		fmt.Fprintln(w, "✓ Package index updated")
	}
	printUploads(w, res.Published)
}

func printDecision(w io.Writer, d *policy.Decision) {
	for _, v := range d.Warnings {
		fmt.Fprintf(w, "⚠ [%s] %s\n", v.Policy, v.Message)
	}
	for _, v := range d.Violations {
		fmt.Fprintf(w, "✗ [%s] %s\n", v.Policy, v.Message)
	}
}

func printUploads(w io.Writer, uploads []publish.Uploaded) {
	for _, u := range uploads {
		fmt.Fprintf(w, "✓ Uploaded %s (%d bytes)\n", u.Remote, u.Size)
	}
}
