package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Upload the existing archive and package index",
		Long: `Verify the release archive already on disk, evaluate the publish policies
and upload the archive followed by the package index over SFTP.`,
		Example: `  hubpack publish`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.pipe.Publish(cmd.Context())
			out := cmd.OutOrStdout()

			if a.jsonOutput {
				if perr := printJSON(out, res); perr != nil {
					return perr
				}
				return err
			}

			if res != nil {
				if res.Decision != nil {
					printDecision(out, res.Decision)
				}
				if res.Artifact != nil {
					fmt.Fprintf(out, "Archive %s (%s)\n", res.Artifact.Path, res.Artifact.IndexChecksum())
				}
				printUploads(out, res.Published)
			}
			return err
		},
	}
}
