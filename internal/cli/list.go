package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/seantiz/streamharness/internal/scenario"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List available scenarios",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos := scenario.Builtin().List()
			out := cmd.OutOrStdout()

			if rootOpts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPOOL USER\tDESCRIPTION")
			for _, info := range infos {
				user := "no"
				if info.NeedsUser {
					user = "yes"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", info.Name, user, info.Description)
			}
			return tw.Flush()
		},
	}
}
