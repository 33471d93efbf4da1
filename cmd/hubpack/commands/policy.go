package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the release gate policies",
	}

	cmd.AddCommand(newPolicyListCommand(a))
	cmd.AddCommand(newPolicyShowCommand(a))

	return cmd
}

func newPolicyListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and project policies",
		Long: `List every policy the release gate evaluates, with its severity and whether
policy.disabled switched it off.`,
		Example: `  hubpack policy list
  hubpack policy list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			policies := a.pipe.Policies().ListPolicies()
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(out, policies)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, source)
			}
			return tw.Flush()
		},
	}
}

func newPolicyShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "show <name>",
		Short:   "Print one policy and its Rego source",
		Example: `  hubpack policy show structure-valid`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.pipe.Policies().Policy(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(out, p)
			}

			fmt.Fprintf(out, "Name:        %s\n", p.Name)
			if p.Description != "" {
				fmt.Fprintf(out, "Description: %s\n", p.Description)
			}
			fmt.Fprintf(out, "Severity:    %s\n", p.Severity)
			fmt.Fprintf(out, "Enabled:     %t\n", p.Enabled)
			if p.Source != "" {
				fmt.Fprintf(out, "Source:      %s\n", p.Source)
			}
			fmt.Fprintf(out, "\n%s\n", p.Rego)
			return nil
		},
	}
}
