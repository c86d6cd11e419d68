package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"appstore/internal/apps"
	"appstore/internal/certs"
	"appstore/internal/config"
	"appstore/internal/executil"
	"appstore/internal/inputs"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

var (
	certSchedule string
	certRunNow   bool
	certDebounce time.Duration
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the TLS certificate of an application",
	Long: `Inspect, request and renew the certificate served by an application that
terminates TLS. Requests run the ACME client; a failed request leaves the
previous certificate serving.`,
}

var certStatusCmd = &cobra.Command{
	Use:               "status <app>",
	Short:             "Show the serving certificate",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: certAppCompletion,
	RunE:              runCertStatus,
}

var certIssueCmd = &cobra.Command{
	Use:               "issue <app>",
	Short:             "Request a certificate for the configured domains",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: certAppCompletion,
	RunE:              runCertIssue,
}

var certRenewCmd = &cobra.Command{
	Use:   "renew <app>",
	Short: "Renew due certificates and swap the renewed one in",
	Long: `Runs the ACME client's renew subcommand. The client decides which
certificates are due; when the app's lineage changed it is swapped in and
the serving service is restarted.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: certAppCompletion,
	RunE:              runCertRenew,
}

var certWatchCmd = &cobra.Command{
	Use:   "watch <app>",
	Short: "Swap the certificate in whenever the ACME client updates it",
	Long: `Watches the app's lineage directory and swaps it in after the ACME client
wrote a new certificate, for example from its own renewal timer. Runs until
interrupted.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: certAppCompletion,
	RunE:              runCertWatch,
}

var certDaemonCmd = &cobra.Command{
	Use:   "daemon <app>",
	Short: "Renew the certificate on a cron schedule",
	Long: `Runs the renewal on a cron schedule until interrupted. The schedule is a
five-field cron expression and defaults to acme.renewSchedule.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: certAppCompletion,
	RunE:              runCertDaemon,
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certStatusCmd, certIssueCmd, certRenewCmd, certWatchCmd, certDaemonCmd)

	for _, c := range []*cobra.Command{certStatusCmd, certIssueCmd, certRenewCmd, certWatchCmd, certDaemonCmd} {
		c.Flags().StringVarP(&inputsFile, "inputs", "i", "", "YAML or JSON document of app inputs")
		c.Flags().StringArrayVar(&inputValues, "set", nil, "Set an input, key=value (repeatable)")
	}
	certWatchCmd.Flags().DurationVar(&certDebounce, "debounce", certs.DefaultDebounceInterval, "Wait this long after the last change before swapping")
	certDaemonCmd.Flags().StringVar(&certSchedule, "schedule", "", "Cron schedule (default from config)")
	certDaemonCmd.Flags().BoolVar(&certRunNow, "now", false, "Run one renewal immediately before scheduling")
}

func certAppCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var ids []string
	for _, a := range apps.List() {
		if _, ok := a.(apps.CertificateApp); ok {
			ids = append(ids, a.ID())
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

// certTarget is everything a cert subcommand needs for one app.
type certTarget struct {
	app     apps.CertificateApp
	cfg     config.Config
	host    *apps.Host
	mgr     *certs.Manager
	request certs.Request
	cleanup func()
}

// reload restarts the service that serves the certificate.
func (c *certTarget) reload(ctx context.Context) error {
	svc := c.app.ReloadService()
	logging.Info("CLI", "Restarting %s to pick up the new certificate", svc)
	return c.host.Services.Restart(ctx, svc)
}

// lineage is the certbot lineage to renew or watch. Without a domain input,
// as from the ACME client's renewal hook, it is the lineage last issued.
func (c *certTarget) lineage() (string, error) {
	name, err := c.mgr.ResolveLineage(c.request)
	if err != nil {
		return "", err
	}
	if c.request.Domain == "" {
		logging.Debug("CLI", "No domain input, using issued lineage %s", name)
	}
	return name, nil
}

// newCertTarget wires the certificate manager of id. With full unset only
// the paths are resolved and no init system or package manager is probed.
func newCertTarget(ctx context.Context, id string, full bool) (*certTarget, error) {
	app, err := lookupCertApp(id)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	in, err := inputs.Load(inputsFile, inputValues)
	if err != nil {
		return nil, err
	}
	req, err := app.CertRequest(in)
	if err != nil {
		return nil, err
	}

	t := &certTarget{app: app, cfg: cfg, request: req, cleanup: func() {}}
	if full {
		h, cleanup, err := newHost(ctx, cfg, in, provision.Discard)
		if err != nil {
			return nil, err
		}
		t.host, t.cleanup = h, cleanup
	} else {
		t.host = &apps.Host{
			Run:    executil.New(cfg.Timeouts.Command, executil.RetryPolicy{}),
			Rec:    provision.Discard,
			Inputs: in,
			CertOptions: certs.Options{
				Timeout:     cfg.Timeouts.ACME,
				DNSResolver: cfg.ACME.DNSResolver,
			},
			StagingServer: cfg.ACME.StagingServer,
		}
	}
	t.mgr = t.host.CertManager(app.ID(), app.CertLayout(t.host))
	return t, nil
}

func runCertStatus(cmd *cobra.Command, args []string) error {
	c, err := newCertTarget(cmd.Context(), args[0], false)
	if err != nil {
		return err
	}
	defer c.cleanup()

	st, err := c.mgr.Status()
	if err != nil {
		return err
	}
	t := newTable(cmd.OutOrStdout(), "FIELD", "VALUE")
	t.AppendRow([]interface{}{"State", outcomeColor(string(st.State))})
	if st.State != certs.Unconfigured {
		t.AppendRow([]interface{}{"Subject", st.Subject})
		t.AppendRow([]interface{}{"Issuer", st.Issuer})
		t.AppendRow([]interface{}{"Names", strings.Join(st.DNSNames, ", ")})
		t.AppendRow([]interface{}{"Expires", st.NotAfter.Local().Format(time.RFC3339)})
		t.AppendRow([]interface{}{"Self-signed", st.SelfSigned})
		t.AppendRow([]interface{}{"Serving", st.Target})
	}
	if domains := certs.DomainList(c.request); len(domains) > 0 {
		t.AppendRow([]interface{}{"Configured", strings.Join(domains, ", ")})
	}
	t.Render()
	return nil
}

func runCertIssue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := newCertTarget(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer c.cleanup()

	if c.request.Domain == "" {
		return provision.NewConfigError("url", "", "no domain configured")
	}
	stop := startSpinner("Requesting certificate for " + c.request.Domain)
	rec, err := c.mgr.Issue(ctx, c.request)
	stop("")
	if err != nil {
		return err
	}
	logging.Output("lineage", rec.Lineage)
	logging.Output("state", string(rec.State))
	return c.reload(ctx)
}

func runCertRenew(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, err := newCertTarget(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer c.cleanup()

	lineage, err := c.lineage()
	if err != nil {
		return err
	}
	swapped, err := c.mgr.RenewAll(ctx, lineage)
	if err != nil {
		return err
	}
	if !swapped {
		logging.Info("CLI", "%s is current, nothing to swap", lineage)
		return nil
	}
	return c.reload(ctx)
}

func runCertWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newCertTarget(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer c.cleanup()

	lineage, err := c.lineage()
	if err != nil {
		return err
	}
	w := certs.NewWatcher(c.mgr, certs.WatcherConfig{
		Lineage:  lineage,
		Debounce: certDebounce,
		OnSwap:   c.reload,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to watch lineage: %w", err)
	}
	logging.Info("CLI", "Watching %s, press Ctrl+C to stop", lineage)
	<-ctx.Done()
	return w.Stop()
}

func runCertDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := newCertTarget(ctx, args[0], true)
	if err != nil {
		return err
	}
	defer c.cleanup()

	schedule := certSchedule
	if schedule == "" {
		schedule = c.cfg.ACME.RenewSchedule
	}
	lineage, err := c.lineage()
	if err != nil {
		return err
	}
	d, err := certs.NewRenewDaemon(ctx, c.mgr, lineage, schedule, c.reload)
	if err != nil {
		return provision.NewConfigError("schedule", schedule, err.Error())
	}
	if certRunNow {
		d.RunOnce(ctx)
	}
	d.Start()
	<-ctx.Done()
	logging.Info("CLI", "Stopping renewal daemon")
	d.Stop()
	return nil
}
