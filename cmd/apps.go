package cmd

import (
	"github.com/spf13/cobra"

	"appstore/internal/apps"
	textutil "appstore/pkg/strings"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the applications appstore can deploy",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		t := newTable(cmd.OutOrStdout(), "APP", "DESCRIPTION", "TLS")
		for _, a := range apps.List() {
			tls := ""
			if _, ok := a.(apps.CertificateApp); ok {
				tls = "managed"
			}
			t.AppendRow([]interface{}{a.ID(), textutil.Truncate(a.Summary(), textutil.DefaultCellWidth), tls})
		}
		t.Render()
	},
}

func init() {
	rootCmd.AddCommand(appsCmd)
}
