package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "Supervisor"

// Unit declares a long-running service. It is rendered to a systemd unit or
// an OpenRC init script.
type Unit struct {
	Name        string
	Description string
	ExecStart   string
	Environment map[string]string
	// EnvironmentFile is loaded by the service manager before start.
	EnvironmentFile  string
	User             string
	Group            string
	WorkingDirectory string
	// Restart policy, "always" by default.
	Restart    string
	RestartSec time.Duration
	// Capabilities granted to a non-root service, e.g. CAP_NET_ADMIN.
	Capabilities []string
	// After orders the unit, network-online.target by default.
	After []string
}

func (u Unit) validate() error {
	if u.Name == "" || strings.ContainsAny(u.Name, "/ \t\n") {
		return provision.NewConfigError("service", u.Name, "invalid service name")
	}
	if strings.TrimSpace(u.ExecStart) == "" {
		return provision.NewConfigError("service", u.Name, "start command is required")
	}
	return nil
}

func (u Unit) withDefaults() Unit {
	if u.Description == "" {
		u.Description = u.Name
	}
	if u.Restart == "" {
		u.Restart = "always"
	}
	if u.RestartSec <= 0 {
		u.RestartSec = 5 * time.Second
	}
	if len(u.After) == 0 {
		u.After = []string{"network-online.target"}
	}
	return u
}

// Override adds settings to a service owned by a package, without touching
// the packaged definition.
type Override struct {
	Environment map[string]string
}

// Supervisor manages services through the host's init system.
type Supervisor interface {
	// Kind names the init system.
	Kind() string
	// Create writes the unit, enables it and starts it when it is not
	// running. A running service is never restarted by Create; the result
	// reports whether the definition changed so the caller can Restart.
	Create(ctx context.Context, u Unit) (changed bool, err error)
	// Enable enables an existing service and starts it if inactive.
	Enable(ctx context.Context, name string) error
	// Restart restarts the service and blocks until it is active or the
	// restart timeout elapses.
	Restart(ctx context.Context, name string) error
	// IsActive reports whether the service is running.
	IsActive(ctx context.Context, name string) (bool, error)
	// WriteOverride writes a drop-in for a packaged service and reloads
	// the manager when it changed.
	WriteOverride(ctx context.Context, name string, o Override) (changed bool, err error)
	Close()
}

// Options configures the backends.
type Options struct {
	SystemdDir     string
	InitDir        string
	ConfDir        string
	RestartTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.SystemdDir == "" {
		o.SystemdDir = "/etc/systemd/system"
	}
	if o.InitDir == "" {
		o.InitDir = "/etc/init.d"
	}
	if o.ConfDir == "" {
		o.ConfDir = "/etc/conf.d"
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = 90 * time.Second
	}
	return o
}

// systemdMarker exists when systemd is PID 1.
var systemdMarker = "/run/systemd/system"

// Detect picks the backend for this host: systemd when it is running,
// OpenRC when rc-service is available.
func Detect(ctx context.Context, run executil.Runner, rec provision.Recorder, opts Options) (Supervisor, error) {
	if _, err := os.Stat(systemdMarker); err == nil {
		return NewSystemd(ctx, rec, opts)
	}
	if executil.Has(run, "rc-service") {
		logging.Debug(subsystem, "Using OpenRC")
		return NewOpenRC(run, rec, opts), nil
	}
	return nil, fmt.Errorf("no supported init system found (need systemd or OpenRC)")
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
