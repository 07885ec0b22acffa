// siteshipctl is the operator CLI: submit deployments, inspect releases and
// re-issue a release after a crash between finalize and release.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/siteship/siteship/core/infra/buildinfo"
)

func main() {
	root := &cobra.Command{
		Use:           "siteshipctl",
		Short:         "Operate siteship deployments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDeployCmd(),
		newStatusCmd(),
		newReleasesCmd(),
		newVersionCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}
