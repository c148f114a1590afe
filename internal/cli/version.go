package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip settings and dotenv loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			version := info.Version
			if version == "" {
				version = "dev"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deployd %s", version)
			if info.Commit != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s", info.Commit)
				if info.Date != "" {
					fmt.Fprintf(cmd.OutOrStdout(), ", %s", info.Date)
				}
				fmt.Fprint(cmd.OutOrStdout(), ")")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}
