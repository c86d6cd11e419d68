package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"appstore/internal/apps"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

var statusCmd = &cobra.Command{
	Use:   "status [app]",
	Short: "Show which applications were installed on this host",
	Long: `Reads the install markers written by successful install runs. Without an
argument every app with a marker is listed.`,
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: appCompletion,
	RunE:              runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ids := make([]string, 0)
	if len(args) == 1 {
		a, err := lookupApp(args[0])
		if err != nil {
			return err
		}
		ids = append(ids, a.ID())
	} else {
		for _, a := range apps.List() {
			ids = append(ids, a.ID())
		}
	}

	t := newTable(cmd.OutOrStdout(), "APP", "INSTALLED", "LAST CONFIGURED", "RUN", "VERSION")
	rows := 0
	for _, id := range ids {
		m, err := provision.ReadMarker(cfg.Paths.StateDir, id)
		if err != nil {
			logging.Warn("CLI", "Unreadable marker for %s: %v", id, err)
			continue
		}
		if m == nil {
			if len(args) == 1 {
				t.AppendRow([]interface{}{id, "no", "", "", ""})
				rows++
			}
			continue
		}
		configured := ""
		if m.LastConfigured != nil {
			configured = m.LastConfigured.Local().Format(time.RFC3339)
		}
		t.AppendRow([]interface{}{id, m.InstalledAt.Local().Format(time.RFC3339), configured, m.RunID, m.EngineVersion})
		rows++
	}
	if rows == 0 {
		logging.Output("status", "no applications installed")
		return nil
	}
	t.Render()
	return nil
}
