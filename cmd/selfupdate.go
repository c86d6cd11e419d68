package cmd

import (
	"fmt"
	"regexp"
	"runtime"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

// githubRepoSlug is the GitHub repository (owner/repo) releases are fetched from.
const githubRepoSlug = "appstore-dev/appstore"

// checksumsAsset lists the SHA-256 of every archive in a release.
const checksumsAsset = "checksums.txt"

var selfUpdateCheckOnly bool

// newSelfUpdateCmd creates the command that replaces the running binary
// with the latest GitHub release.
func newSelfUpdateCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "self-update",
		Short: "Update appstore to the latest version",
		Long: `Checks for the latest release of appstore on GitHub and replaces the
current binary if a newer version is found.`,
		Args: cobra.NoArgs,
		RunE: runSelfUpdate,
	}
	c.Flags().BoolVar(&selfUpdateCheckOnly, "check", false, "Only report whether an update is available")
	return c
}

// releaseAssetPattern matches the archive published for goos/goarch, e.g.
// appstore_1.4.0_linux_amd64.tar.gz.
func releaseAssetPattern(goos, goarch string) string {
	return fmt.Sprintf(`^appstore_v?[0-9][^_]*_%s_%s\.tar\.gz$`, regexp.QuoteMeta(goos), regexp.QuoteMeta(goarch))
}

// updaterConfig selects this platform's archive and verifies it against the
// release checksums.
func updaterConfig(goos, goarch string) selfupdate.Config {
	return selfupdate.Config{
		Filters:   []string{releaseAssetPattern(goos, goarch)},
		OS:        goos,
		Arch:      goarch,
		Validator: &selfupdate.ChecksumValidator{UniqueFilename: checksumsAsset},
	}
}

// isDevelopmentVersion reports builds that carry no semantic version to
// compare against.
func isDevelopmentVersion(v string) bool {
	return v == "" || v == "dev"
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	currentVersion := rootCmd.Version
	if isDevelopmentVersion(currentVersion) {
		return fmt.Errorf("cannot self-update a development version")
	}
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	fmt.Fprintf(out, "Current version: %s\n", currentVersion)
	stop := startSpinner("Checking for updates")
	updater, err := selfupdate.NewUpdater(updaterConfig(runtime.GOOS, runtime.GOARCH))
	if err != nil {
		stop("")
		return fmt.Errorf("failed to create updater: %w", err)
	}
	latest, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(githubRepoSlug))
	stop("")
	if err != nil {
		return fmt.Errorf("error detecting latest version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest release for %s could not be found", githubRepoSlug)
	}

	if !latest.GreaterThan(currentVersion) {
		fmt.Fprintln(out, "Current version is the latest.")
		return nil
	}
	fmt.Fprintf(out, "Found newer version: %s (published at %s)\n", latest.Version(), latest.PublishedAt)
	if selfUpdateCheckOnly {
		return nil
	}
	fmt.Fprintf(out, "Release notes:\n%s\n", latest.ReleaseNotes)

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}
	stop = startSpinner(fmt.Sprintf("Updating %s to version %s", exe, latest.Version()))
	if err := updater.UpdateTo(ctx, latest, exe); err != nil {
		stop("")
		return fmt.Errorf("update failed: %w", err)
	}
	stop(fmt.Sprintf("Successfully updated to version %s", latest.Version()))
	return nil
}
