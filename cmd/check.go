package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"appstore/internal/certs"
	"appstore/internal/executil"
	"appstore/internal/preflight"
	"appstore/pkg/logging"
	textutil "appstore/pkg/strings"
)

var (
	checkNeedTun bool
	checkMinFree uint64
)

// checkCmd runs the read-only host checks.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that this host can run appstore",
	Long: `Runs read-only probes against this host: root privileges, package
manager, init system, ACME client, free disk space, virtualization and
/dev/net/tun. Nothing is modified.

Exits non-zero when a fatal check fails.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().BoolVar(&checkNeedTun, "need-tun", false, "Treat a missing /dev/net/tun as fatal")
	checkCmd.Flags().Uint64Var(&checkMinFree, "min-free", 0, "Minimum free bytes on / (default 2 GiB)")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	run := executil.New(cfg.Timeouts.Command, executil.RetryPolicy{})
	checks := preflight.DefaultChecks(run, preflight.Options{
		Certbot:      certs.DefaultLayout().Certbot,
		MinFreeBytes: checkMinFree,
		NeedTun:      checkNeedTun,
	})

	stop := startSpinner("Checking host")
	results := preflight.Run(cmd.Context(), checks)
	stop("")

	t := newTable(cmd.OutOrStdout(), "CHECK", "RESULT", "DETAIL")
	for _, r := range results {
		t.AppendRow([]interface{}{r.Name, outcomeColor(string(r.Severity)), textutil.Truncate(r.Detail, textutil.DefaultCellWidth)})
	}
	t.Render()

	if preflight.Failed(results) {
		return fmt.Errorf("host is not ready, see failed checks above")
	}
	logging.Debug("CLI", "All %d checks passed", len(results))
	return nil
}
