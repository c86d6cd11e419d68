package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// newVersionCmd creates the Cobra command for displaying the application version.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of appstore",
		Long:  `Prints the appstore version and the platform it was built for.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionLine(rootCmd.Version, runtime.GOOS, runtime.GOARCH))
		},
	}
}

// versionLine is the version report. Builds without -ldflags report "dev".
func versionLine(version, goos, goarch string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("appstore version %s (%s/%s)", version, goos, goarch)
}
