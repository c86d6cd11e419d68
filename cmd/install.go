package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"appstore/internal/apps"
	"appstore/internal/inputs"
	"appstore/internal/metrics"
	"appstore/internal/provision"
	"appstore/pkg/logging"
	textutil "appstore/pkg/strings"
)

var (
	inputsFile  string
	inputValues []string
	showSteps   bool
)

// installCmd provisions an app on an empty host.
var installCmd = &cobra.Command{
	Use:   "install <app>",
	Short: "Install an application on this host",
	Long: `Installs an application on this host: packages, users, files, services and
certificates, then applies its configuration.

Inputs are read from a YAML or JSON document (--inputs) and individual
key=value overrides (--set). Every input has a default.

Examples:
  appstore install ollama
  appstore install swag --inputs swag.yaml --set url=example.com`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: appCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, args[0], apps.VerbInstall)
	},
}

// configureCmd converges an installed app to its inputs.
var configureCmd = &cobra.Command{
	Use:   "configure <app>",
	Short: "Re-apply the configuration of an installed application",
	Long: `Converges an installed application to its inputs. Nothing is changed when
the host already matches; services are restarted only when their
configuration changed.`,
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: appCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerb(cmd, args[0], apps.VerbConfigure)
	},
}

func init() {
	for _, c := range []*cobra.Command{installCmd, configureCmd} {
		c.Flags().StringVarP(&inputsFile, "inputs", "i", "", "YAML or JSON document of app inputs")
		c.Flags().StringArrayVar(&inputValues, "set", nil, "Set an input, key=value (repeatable)")
		c.Flags().BoolVar(&showSteps, "steps", false, "Print every step of the run as a table")
		rootCmd.AddCommand(c)
	}
}

func appCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) != 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var ids []string
	for _, a := range apps.List() {
		ids = append(ids, a.ID()+"\t"+a.Summary())
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

func runVerb(cmd *cobra.Command, id string, verb apps.Verb) error {
	app, err := lookupApp(id)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	in, err := inputs.Load(inputsFile, inputValues)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(app.ID())
	journal := provision.NewJournal(app.ID(), collector)
	logging.Debug("CLI", "Starting %s of %s, run %s", verb, app.ID(), journal.RunID())

	ctx := cmd.Context()
	h, cleanup, err := newHost(ctx, cfg, in, journal)
	if err != nil {
		return err
	}
	defer cleanup()

	stop := startSpinner(fmt.Sprintf("%s %s", verb, app.ID()))
	err = apps.Run(ctx, app, verb, h, apps.RunOptions{
		StateDir: cfg.Paths.StateDir,
		RunID:    journal.RunID(),
		Version:  GetVersion(),
	})
	if err != nil {
		stop("")
	} else {
		stop(fmt.Sprintf("%s %s done", verb, app.ID()))
	}

	collector.FinishRun(string(verb), err, time.Now())
	if cfg.Metrics.Textfile != "" {
		if werr := collector.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
			logging.Warn("CLI", "Failed to write metrics to %s: %v", cfg.Metrics.Textfile, werr)
		}
	}

	if showSteps {
		printSteps(cmd, journal)
	}
	logging.Info("CLI", "%s", journal)
	return err
}

func printSteps(cmd *cobra.Command, j *provision.Journal) {
	t := newTable(cmd.OutOrStdout(), "KIND", "TARGET", "OUTCOME", "DURATION")
	for _, s := range j.Steps() {
		t.AppendRow([]interface{}{s.Kind, textutil.Truncate(s.Target, textutil.DefaultCellWidth), outcomeColor(string(s.Outcome)), s.Duration.Round(time.Millisecond)})
	}
	t.Render()
}
