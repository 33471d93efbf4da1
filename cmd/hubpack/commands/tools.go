package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newToolsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage tool dependencies in the package index",
	}
	cmd.AddCommand(newToolsUpdateCommand(a))
	return cmd
}

func newToolsUpdateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Refresh tool dependencies from the upstream index",
		Long: `Fetch the upstream package index, take the tool dependencies of the pinned
platform version and write them, with the matching tool definitions, into the
package index. Dependencies of preserved packagers keep their packager.`,
		Example: `  hubpack tools update`,
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := a.pipe.UpdateTools(cmd.Context())
			out := cmd.OutOrStdout()
			if err != nil {
				printFallback(out, err)
				return err
			}

			if a.jsonOutput {
				return printJSON(out, set)
			}
			fmt.Fprintf(out, "✓ %d tool dependencies, %d tool definitions written\n",
				len(set.Dependencies), len(set.Definitions))
			for _, missing := range set.MissingDefinitions {
				fmt.Fprintf(out, "⚠ no upstream definition for %s\n", missing)
			}
			return nil
		},
	}
}
