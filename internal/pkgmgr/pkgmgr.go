package pkgmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "Packages"

// Kind identifies a package manager family.
type Kind string

const (
	Apt Kind = "apt"
	Apk Kind = "apk"
	Dnf Kind = "dnf"
)

// hostInfo is a variable to allow mocking in tests
var hostInfo = host.InfoWithContext

var binaries = map[Kind]string{Apt: "apt-get", Apk: "apk", Dnf: "dnf"}

// families maps gopsutil platform families to a manager.
var families = map[string]Kind{
	"debian": Apt,
	"alpine": Apk,
	"rhel":   Dnf,
	"fedora": Dnf,
}

// Detect finds the host's package manager. When more than one is installed
// the platform family reported by the OS decides.
func Detect(ctx context.Context, run executil.Runner) (Kind, error) {
	var found []Kind
	for _, k := range []Kind{Apt, Apk, Dnf} {
		if executil.Has(run, binaries[k]) {
			found = append(found, k)
		}
	}
	switch len(found) {
	case 0:
		return "", provision.NewDependencyError("package-manager", "apt-get|apk|dnf", fmt.Errorf("no supported package manager on PATH"))
	case 1:
		return found[0], nil
	}
	if info, err := hostInfo(ctx); err == nil {
		if k, ok := families[info.PlatformFamily]; ok {
			for _, f := range found {
				if f == k {
					logging.Debug(subsystem, "Using %s for platform %s", k, info.Platform)
					return k, nil
				}
			}
		}
	}
	return found[0], nil
}

// Fetcher downloads repository keys.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options configures a Manager.
type Options struct {
	// Attempts bounds retries of package downloads.
	Attempts     int
	KeyringDir   string
	SourcesDir   string
	ApkReposFile string
	ApkKeysDir   string
	YumReposDir  string
	Timeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts < 1 {
		o.Attempts = 3
	}
	if o.KeyringDir == "" {
		o.KeyringDir = "/etc/apt/keyrings"
	}
	if o.SourcesDir == "" {
		o.SourcesDir = "/etc/apt/sources.list.d"
	}
	if o.ApkReposFile == "" {
		o.ApkReposFile = "/etc/apk/repositories"
	}
	if o.ApkKeysDir == "" {
		o.ApkKeysDir = "/etc/apk/keys"
	}
	if o.YumReposDir == "" {
		o.YumReposDir = "/etc/yum.repos.d"
	}
	return o
}

// Manager installs packages and registers repositories through the host's
// package manager. A Manager is used by one run at a time.
type Manager struct {
	kind  Kind
	run   executil.Runner
	rec   provision.Recorder
	fetch Fetcher
	opts  Options

	// indexFresh is set once the package index was refreshed in this run.
	indexFresh bool
}

// New returns a Manager for kind.
func New(kind Kind, run executil.Runner, rec provision.Recorder, fetch Fetcher, opts Options) *Manager {
	if rec == nil {
		rec = provision.Discard
	}
	return &Manager{kind: kind, run: run, rec: rec, fetch: fetch, opts: opts.withDefaults()}
}

// Kind returns the package manager family.
func (m *Manager) Kind() Kind { return m.kind }

// Installed reports whether name is installed.
func (m *Manager) Installed(ctx context.Context, name string) bool {
	switch m.kind {
	case Apt:
		out, err := executil.Output(ctx, m.run, "dpkg-query", "-W", "-f=${Status}", name)
		return err == nil && strings.HasSuffix(out, "install ok installed")
	case Apk:
		return executil.Succeeds(ctx, m.run, "apk", "info", "-e", name)
	case Dnf:
		return executil.Succeeds(ctx, m.run, "rpm", "-q", name)
	}
	return false
}

func (m *Manager) command(name string, args ...string) executil.Command {
	cmd := executil.Command{Name: name, Args: args, Timeout: m.opts.Timeout}
	if m.kind == Apt {
		cmd.Env = []string{"DEBIAN_FRONTEND=noninteractive"}
	}
	return cmd
}

// Update refreshes the package index. Failure is a DependencyError.
func (m *Manager) Update(ctx context.Context) error {
	var cmd executil.Command
	switch m.kind {
	case Apt:
		cmd = m.command("apt-get", "update")
	case Apk:
		cmd = m.command("apk", "update")
	case Dnf:
		cmd = m.command("dnf", "makecache")
	}
	cmd.Attempts = m.opts.Attempts
	if _, err := m.run.Run(ctx, cmd); err != nil {
		return provision.NewDependencyError("index", string(m.kind), err)
	}
	m.indexFresh = true
	return nil
}

// Install installs every missing package in one transaction. Packages that
// are already installed are reported as satisfied and never reinstalled.
func (m *Manager) Install(ctx context.Context, names ...string) error {
	var missing []string
	for _, n := range names {
		if m.Installed(ctx, n) {
			_ = provision.Track(m.rec, "package", n, func() (bool, error) { return false, nil })
			continue
		}
		missing = append(missing, n)
	}
	if len(missing) == 0 {
		return nil
	}

	target := strings.Join(missing, " ")
	return provision.Track(m.rec, "package", target, func() (bool, error) {
		if m.kind == Apt && !m.indexFresh {
			if err := m.Update(ctx); err != nil {
				return false, err
			}
		}
		var cmd executil.Command
		switch m.kind {
		case Apt:
			cmd = m.command("apt-get", append([]string{"install", "-y", "--no-install-recommends"}, missing...)...)
		case Apk:
			cmd = m.command("apk", append([]string{"add", "--no-cache"}, missing...)...)
		case Dnf:
			cmd = m.command("dnf", append([]string{"install", "-y"}, missing...)...)
		default:
			return false, fmt.Errorf("unsupported package manager %q", m.kind)
		}
		cmd.Attempts = m.opts.Attempts
		logging.Info(subsystem, "Installing %s", target)
		if _, err := m.run.Run(ctx, cmd); err != nil {
			return false, provision.NewDependencyError("package", target, err)
		}
		return true, nil
	})
}
