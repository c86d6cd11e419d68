package supervisor

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/coreos/go-systemd/v22/unit"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// systemdConn is the subset of the D-Bus API the backend uses.
type systemdConn interface {
	ReloadContext(ctx context.Context) error
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []dbus.EnableUnitFileChange, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]dbus.UnitStatus, error)
	Close()
}

// Systemd drives systemd over D-Bus.
type Systemd struct {
	conn systemdConn
	rec  provision.Recorder
	opts Options
}

// NewSystemd connects to the system bus.
func NewSystemd(ctx context.Context, rec provision.Recorder, opts Options) (*Systemd, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return newSystemd(conn, rec, opts), nil
}

func newSystemd(conn systemdConn, rec provision.Recorder, opts Options) *Systemd {
	if rec == nil {
		rec = provision.Discard
	}
	return &Systemd{conn: conn, rec: rec, opts: opts.withDefaults()}
}

// Kind implements Supervisor.
func (s *Systemd) Kind() string { return "systemd" }

// Close implements Supervisor.
func (s *Systemd) Close() { s.conn.Close() }

func unitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// escapeValue protects systemd specifiers.
func escapeValue(v string) string {
	return strings.ReplaceAll(v, "%", "%%")
}

func quoteEnv(k, v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + escapeValue(k+"="+v) + `"`
}

// RenderUnit serializes u as a systemd unit file.
func RenderUnit(u Unit) ([]byte, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	u = u.withDefaults()

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", u.Description),
	}
	for _, a := range u.After {
		opts = append(opts, unit.NewUnitOption("Unit", "After", a))
		if a == "network-online.target" {
			opts = append(opts, unit.NewUnitOption("Unit", "Wants", a))
		}
	}

	opts = append(opts, unit.NewUnitOption("Service", "Type", "simple"))
	if u.User != "" {
		opts = append(opts, unit.NewUnitOption("Service", "User", u.User))
	}
	if u.Group != "" {
		opts = append(opts, unit.NewUnitOption("Service", "Group", u.Group))
	}
	if u.WorkingDirectory != "" {
		opts = append(opts, unit.NewUnitOption("Service", "WorkingDirectory", u.WorkingDirectory))
	}
	for _, k := range sortedEnv(u.Environment) {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", quoteEnv(k, u.Environment[k])))
	}
	if u.EnvironmentFile != "" {
		opts = append(opts, unit.NewUnitOption("Service", "EnvironmentFile", u.EnvironmentFile))
	}
	opts = append(opts,
		unit.NewUnitOption("Service", "ExecStart", escapeValue(u.ExecStart)),
		unit.NewUnitOption("Service", "Restart", u.Restart),
		unit.NewUnitOption("Service", "RestartSec", strconv.Itoa(int(u.RestartSec/time.Second))),
	)
	if len(u.Capabilities) > 0 {
		caps := strings.Join(u.Capabilities, " ")
		opts = append(opts,
			unit.NewUnitOption("Service", "AmbientCapabilities", caps),
			unit.NewUnitOption("Service", "CapabilityBoundingSet", caps),
		)
	}
	opts = append(opts, unit.NewUnitOption("Install", "WantedBy", "multi-user.target"))

	return io.ReadAll(unit.Serialize(opts))
}

// RenderOverride serializes a drop-in fragment.
func RenderOverride(o Override) ([]byte, error) {
	var opts []*unit.UnitOption
	for _, k := range sortedEnv(o.Environment) {
		opts = append(opts, unit.NewUnitOption("Service", "Environment", quoteEnv(k, o.Environment[k])))
	}
	if len(opts) == 0 {
		return nil, fmt.Errorf("override has no settings")
	}
	return io.ReadAll(unit.Serialize(opts))
}

// Create implements Supervisor.
func (s *Systemd) Create(ctx context.Context, u Unit) (bool, error) {
	data, err := RenderUnit(u)
	if err != nil {
		return false, err
	}
	name := unitName(u.Name)
	path := filepath.Join(s.opts.SystemdDir, name)

	var changed bool
	err = provision.Track(s.rec, "unit", name, func() (bool, error) {
		// a unit already holding these bytes is left alone; a hand-edited
		// one is rewritten
		c, err := provision.EnsureFile(path, data, 0644)
		if err != nil {
			return false, err
		}
		changed = c
		if changed {
			logging.Info(subsystem, "Wrote %s", path)
			if err := s.conn.ReloadContext(ctx); err != nil {
				return false, fmt.Errorf("daemon-reload failed: %w", err)
			}
		}
		return changed, nil
	})
	if err != nil {
		return false, err
	}
	if err := s.Enable(ctx, name); err != nil {
		return changed, err
	}
	if changed {
		if active, _ := s.IsActive(ctx, name); active {
			logging.Info(subsystem, "%s definition changed; it keeps running until restarted", name)
		}
	}
	return changed, nil
}

// Enable implements Supervisor.
func (s *Systemd) Enable(ctx context.Context, name string) error {
	name = unitName(name)
	return provision.Track(s.rec, "service", name, func() (bool, error) {
		changed, _, err := s.conn.EnableUnitFilesContext(ctx, []string{name}, false, true)
		if err != nil {
			return false, fmt.Errorf("failed to enable %s: %w", name, err)
		}
		active, err := s.IsActive(ctx, name)
		if err != nil {
			return changed, err
		}
		if active {
			return changed, nil
		}
		if err := s.waitJob(ctx, name, "start", s.conn.StartUnitContext); err != nil {
			return changed, err
		}
		logging.Info(subsystem, "Started %s", name)
		return true, nil
	})
}

// Restart implements Supervisor.
func (s *Systemd) Restart(ctx context.Context, name string) error {
	name = unitName(name)
	return provision.Track(s.rec, "restart", name, func() (bool, error) {
		if err := s.waitJob(ctx, name, "restart", s.conn.RestartUnitContext); err != nil {
			return false, err
		}
		logging.Info(subsystem, "Restarted %s", name)
		return true, nil
	})
}

type jobFunc func(ctx context.Context, name string, mode string, ch chan<- string) (int, error)

// waitJob queues a job and blocks until systemd reports its result and the
// unit is active, or the restart timeout elapses.
func (s *Systemd) waitJob(ctx context.Context, name, verb string, job jobFunc) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RestartTimeout)
	defer cancel()

	ch := make(chan string, 1)
	if _, err := job(ctx, name, "replace", ch); err != nil {
		return fmt.Errorf("failed to %s %s: %w", verb, name, err)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("%s of %s finished with result %q", verb, name, result)
		}
	case <-ctx.Done():
		return fmt.Errorf("%s of %s did not finish within %s", verb, name, s.opts.RestartTimeout)
	}

	for {
		state, err := s.activeState(ctx, name)
		if err != nil {
			return err
		}
		switch state {
		case "active":
			return nil
		case "failed", "inactive":
			return fmt.Errorf("%s is %s after %s", name, state, verb)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s did not become active within %s (state %s)", name, s.opts.RestartTimeout, state)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *Systemd) activeState(ctx context.Context, name string) (string, error) {
	units, err := s.conn.ListUnitsByNamesContext(ctx, []string{name})
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	if len(units) == 0 {
		return "inactive", nil
	}
	return units[0].ActiveState, nil
}

// IsActive implements Supervisor.
func (s *Systemd) IsActive(ctx context.Context, name string) (bool, error) {
	state, err := s.activeState(ctx, unitName(name))
	if err != nil {
		return false, err
	}
	return state == "active", nil
}

// WriteOverride implements Supervisor.
func (s *Systemd) WriteOverride(ctx context.Context, name string, o Override) (bool, error) {
	data, err := RenderOverride(o)
	if err != nil {
		return false, err
	}
	path := filepath.Join(s.opts.SystemdDir, unitName(name)+".d", "override.conf")
	var changed bool
	err = provision.Track(s.rec, "override", path, func() (bool, error) {
		c, err := provision.EnsureFile(path, data, 0644)
		if err != nil || !c {
			return c, err
		}
		changed = true
		if err := s.conn.ReloadContext(ctx); err != nil {
			return true, fmt.Errorf("daemon-reload failed: %w", err)
		}
		return true, nil
	})
	return changed, err
}
