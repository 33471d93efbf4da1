package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPrepareCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare",
		Short: "Extract the pinned baseline for patch development",
		Long: `Fetch the pinned upstream release and extract it into the snapshot directory.

Running prepare again with the same pinned version leaves the snapshot alone.
A snapshot holding a different version is refused.`,
		Example: `  hubpack prepare`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.pipe.Prepare(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Baseline %s ready in %s\n", res.Version, res.Dir)
			return nil
		},
	}
}
