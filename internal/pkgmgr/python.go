package pkgmgr

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// CreateVenv creates a Python virtual environment at path unless one exists.
func (m *Manager) CreateVenv(ctx context.Context, path string) error {
	return provision.Track(m.rec, "venv", path, func() (bool, error) {
		if _, err := os.Stat(filepath.Join(path, "bin", "python")); err == nil {
			return false, nil
		}
		if _, err := m.run.Run(ctx, executil.Command{Name: "python3", Args: []string{"-m", "venv", path}}); err != nil {
			return false, provision.NewDependencyError("venv", path, err)
		}
		logging.Info(subsystem, "Created virtualenv %s", path)
		return true, nil
	})
}

// requirementName strips version specifiers and extras from a pip
// requirement.
func requirementName(req string) string {
	if i := strings.IndexAny(req, "=<>![~; "); i >= 0 {
		return req[:i]
	}
	return req
}

// PipInstall installs pkgs into venv. When every requirement is already
// present the step is satisfied without touching the network.
func (m *Manager) PipInstall(ctx context.Context, venv string, pkgs ...string) error {
	pip := filepath.Join(venv, "bin", "pip")
	target := strings.Join(pkgs, " ")
	return provision.Track(m.rec, "pip", target, func() (bool, error) {
		names := make([]string, 0, len(pkgs))
		pinned := false
		for _, p := range pkgs {
			n := requirementName(p)
			pinned = pinned || n != p
			names = append(names, n)
		}
		// pip show exits non-zero when any package is missing
		if !pinned && executil.Succeeds(ctx, m.run, pip, append([]string{"show", "-q"}, names...)...) {
			return false, nil
		}
		cmd := executil.Command{
			Name:     pip,
			Args:     append([]string{"install", "--no-input", "--disable-pip-version-check"}, pkgs...),
			Timeout:  m.opts.Timeout,
			Attempts: m.opts.Attempts,
		}
		logging.Info(subsystem, "Installing %s into %s", target, venv)
		if _, err := m.run.Run(ctx, cmd); err != nil {
			return false, provision.NewDependencyError("pip", target, err)
		}
		return true, nil
	})
}
