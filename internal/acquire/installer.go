package acquire

import (
	"context"
	"fmt"
	"os"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// RunInstallerScript downloads a vendor installer and runs it with bash.
// The script is opaque: only its exit code is interpreted. Installers are
// not idempotent by themselves, so callers guard them with a probe.
func (a *Acquirer) RunInstallerScript(ctx context.Context, url string, args ...string) error {
	return provision.Track(a.rec, "installer", url, func() (bool, error) {
		script, err := a.Fetch(ctx, url)
		if err != nil {
			return false, err
		}

		f, err := os.CreateTemp("", "appstore-installer-*.sh")
		if err != nil {
			return false, fmt.Errorf("failed to stage installer: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(script); err != nil {
			f.Close()
			return false, fmt.Errorf("failed to stage installer: %w", err)
		}
		if err := f.Close(); err != nil {
			return false, fmt.Errorf("failed to stage installer: %w", err)
		}

		logging.Info(subsystem, "Running vendor installer %s", url)
		cmd := executil.Command{
			Name:    "bash",
			Args:    append([]string{f.Name()}, args...),
			Timeout: a.installerTimeout,
			Env:     []string{"DEBIAN_FRONTEND=noninteractive"},
		}
		if _, err := a.run.Run(ctx, cmd); err != nil {
			return false, provision.NewDependencyError("script", url, err)
		}
		return true, nil
	})
}

// RunShell runs a vendor one-liner through sh -c.
func (a *Acquirer) RunShell(ctx context.Context, script string) error {
	return provision.Track(a.rec, "shell", script, func() (bool, error) {
		cmd := executil.Command{
			Name:    "sh",
			Args:    []string{"-c", script},
			Timeout: a.installerTimeout,
			Env:     []string{"DEBIAN_FRONTEND=noninteractive"},
		}
		if _, err := a.run.Run(ctx, cmd); err != nil {
			return false, provision.NewDependencyError("script", script, err)
		}
		return true, nil
	})
}
