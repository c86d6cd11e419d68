package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, service did not start).
	ExitCodeError = 1
	// ExitCodeConfig indicates invalid inputs or engine configuration.
	ExitCodeConfig = 2
	// ExitCodeDependency indicates an external dependency could not be
	// fetched or verified.
	ExitCodeDependency = 3
)

// Persistent flags shared by every command.
var (
	configPath string
	logLevel   string
	logFormat  string
	quiet      bool
)

// rootCmd represents the base command for the appstore application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "appstore",
	Short: "Provision self-hosted applications into containers",
	Long: `appstore deploys a single self-hosted application onto the Linux host or
LXC container it runs in: packages, users, config files, services and TLS
certificates. Every step is idempotent, so install and configure can be
re-run safely.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogging(cmd)
	},
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "appstore version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the appropriate exit code based on the error type.
// This provides semantic exit codes for scripting and automation.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	if provision.IsConfigError(err) || provision.IsMissingVariableError(err) {
		return ExitCodeConfig
	}
	var parseErr *provision.EnvParseError
	if errors.As(err, &parseErr) {
		return ExitCodeConfig
	}
	if provision.IsDependencyError(err) {
		return ExitCodeDependency
	}
	return ExitCodeError
}

func initLogging(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return provision.NewConfigError("log-level", logLevel, err.Error())
	}
	if quiet && level < logging.LevelWarn {
		level = logging.LevelWarn
	}
	var format logging.Format
	switch logFormat {
	case "", string(logging.FormatText):
		format = logging.FormatText
	case string(logging.FormatJSON):
		format = logging.FormatJSON
	default:
		return provision.NewConfigError("log-format", logFormat, "must be text or json")
	}
	logging.Init(level, format, cmd.ErrOrStderr())
	logging.SetResultOutput(cmd.OutOrStdout())
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Engine config file (default /etc/appstore/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log warnings and errors; no progress spinners")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
