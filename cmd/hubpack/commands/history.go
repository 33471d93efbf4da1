package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List release, publish and variant check runs recorded in the history database, newest first.

With --run, print one run together with its patch and board outcomes.`,
		Example: `  hubpack history
  hubpack history --limit 5 --json
  hubpack history --run 0b6f3c1e-8f5d-4d0c-9a57-2f1b3c4d5e6f`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID != "" {
				return showRun(cmd, a, runID)
			}

			releases, err := a.pipe.History(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(out, releases)
			}
			if len(releases) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tOPERATION\tVERSION\tSTATUS\tCHECKSUM\tID")
			for _, r := range releases {
				checksum := strings.TrimPrefix(r.Checksum, "SHA-256:")
				if len(checksum) > 12 {
					checksum = checksum[:12]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Operation, r.Version, r.Status, checksum, r.ID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show a single run by id")
	return cmd
}

func showRun(cmd *cobra.Command, a *app, id string) error {
	detail, err := a.pipe.Run(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if a.jsonOutput {
		return printJSON(out, detail)
	}

	r := detail.Release
	fmt.Fprintf(out, "Run %s: %s %s %s\n", r.ID, r.Operation, r.Version, r.Status)
	fmt.Fprintf(out, "Started:   %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if r.CompletedAt != nil {
		fmt.Fprintf(out, "Completed: %s\n", r.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if r.ArchivePath != "" {
		fmt.Fprintf(out, "Archive:   %s (%d bytes, %s)\n", r.ArchivePath, r.ArchiveSize, r.Checksum)
	}
	if r.Error != nil {
		fmt.Fprintf(out, "Error:     %s\n", *r.Error)
	}

	if len(detail.Patches) > 0 {
		fmt.Fprintln(out, "\nPatches:")
		for _, pr := range detail.Patches {
			fmt.Fprintf(out, "  %s\t%s\t%s\n", pr.Outcome, pr.PatchID, pr.Path)
		}
	}
	if len(detail.Boards) > 0 {
		fmt.Fprintln(out, "\nBoards:")
		for _, b := range detail.Boards {
			line := "  " + b.Classification + "\t" + b.BoardID
			if b.SyncOutcome != "" {
				line += "\t" + b.SyncOutcome
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}
