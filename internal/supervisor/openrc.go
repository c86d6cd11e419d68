package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/internal/template"
	"appstore/pkg/logging"
)

const initScript = `#!/sbin/openrc-run
# Managed by appstore.
description={{ .description | quote }}
supervisor=supervise-daemon
command={{ .command | quote }}
{{- if .args }}
command_args={{ .args | squote }}
{{- end }}
{{- if .user }}
command_user={{ .user | quote }}
{{- end }}
{{- if .directory }}
directory={{ .directory | quote }}
{{- end }}
respawn_delay={{ .respawnDelay }}
{{- if eq .restart "always" }}
respawn_max=0
{{- end }}
{{- if .capabilities }}
capabilities={{ .capabilities | quote }}
{{- end }}
{{- if .envFile }}

start_pre() {
	set -a
	. {{ .envFile | quote }}
	set +a
}
{{- end }}

depend() {
	need net
	after firewall
}
`

// OpenRC drives OpenRC through rc-update and rc-service.
type OpenRC struct {
	run    executil.Runner
	rec    provision.Recorder
	opts   Options
	engine *template.Engine
}

// NewOpenRC returns the OpenRC backend.
func NewOpenRC(run executil.Runner, rec provision.Recorder, opts Options) *OpenRC {
	if rec == nil {
		rec = provision.Discard
	}
	return &OpenRC{run: run, rec: rec, opts: opts.withDefaults(), engine: template.New(provision.Discard)}
}

// Kind implements Supervisor.
func (o *OpenRC) Kind() string { return "openrc" }

// Close implements Supervisor.
func (o *OpenRC) Close() {}

// RenderInitScript renders u as an openrc-run script.
func (o *OpenRC) RenderInitScript(u Unit) ([]byte, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	u = u.withDefaults()

	fields := strings.Fields(u.ExecStart)
	user := u.User
	if user != "" && u.Group != "" {
		user += ":" + u.Group
	}
	vars := map[string]interface{}{
		"description":  u.Description,
		"command":      fields[0],
		"args":         strings.Join(fields[1:], " "),
		"user":         user,
		"directory":    u.WorkingDirectory,
		"respawnDelay": strconv.Itoa(int(u.RestartSec / time.Second)),
		"restart":      u.Restart,
		"capabilities": capabilityList(u.Capabilities),
		"envFile":      u.EnvironmentFile,
	}
	return o.engine.Render("openrc-"+u.Name, initScript, vars)
}

// capabilityList converts CAP_NET_ADMIN to the ^cap_net_admin form
// supervise-daemon expects.
func capabilityList(caps []string) string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, "^"+strings.ToLower(c))
	}
	return strings.Join(out, ",")
}

func confFile(env map[string]string) []byte {
	var b strings.Builder
	b.WriteString("# Managed by appstore.\n")
	for _, k := range sortedEnv(env) {
		v := strings.ReplaceAll(env[k], `'`, `'\''`)
		fmt.Fprintf(&b, "export %s='%s'\n", k, v)
	}
	return []byte(b.String())
}

// Create implements Supervisor.
func (o *OpenRC) Create(ctx context.Context, u Unit) (bool, error) {
	script, err := o.RenderInitScript(u)
	if err != nil {
		return false, err
	}
	scriptPath := filepath.Join(o.opts.InitDir, u.Name)
	var changed bool
	err = provision.Track(o.rec, "unit", scriptPath, func() (bool, error) {
		c, err := provision.EnsureFile(scriptPath, script, 0755)
		if err != nil {
			return false, err
		}
		changed = c
		if len(u.Environment) > 0 {
			c, err := provision.EnsureFile(filepath.Join(o.opts.ConfDir, u.Name), confFile(u.Environment), 0644)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
		if changed {
			logging.Info(subsystem, "Wrote %s", scriptPath)
		}
		return changed, nil
	})
	if err != nil {
		return false, err
	}
	return changed, o.Enable(ctx, u.Name)
}

// Enable implements Supervisor.
func (o *OpenRC) Enable(ctx context.Context, name string) error {
	return provision.Track(o.rec, "service", name, func() (bool, error) {
		changed := false
		enabled, err := o.enabled(ctx, name)
		if err != nil {
			return false, err
		}
		if !enabled {
			if err := executil.MustSucceed(ctx, o.run, "enable "+name, executil.Command{
				Name: "rc-update", Args: []string{"add", name, "default"},
			}); err != nil {
				return false, err
			}
			changed = true
		}
		active, err := o.IsActive(ctx, name)
		if err != nil {
			return changed, err
		}
		if active {
			return changed, nil
		}
		if err := executil.MustSucceed(ctx, o.run, "start "+name, executil.Command{
			Name: "rc-service", Args: []string{name, "start"}, Timeout: o.opts.RestartTimeout,
		}); err != nil {
			return changed, err
		}
		logging.Info(subsystem, "Started %s", name)
		return true, nil
	})
}

func (o *OpenRC) enabled(ctx context.Context, name string) (bool, error) {
	out, err := executil.Output(ctx, o.run, "rc-update", "show", "default")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == name {
			return true, nil
		}
	}
	return false, nil
}

// Restart implements Supervisor.
func (o *OpenRC) Restart(ctx context.Context, name string) error {
	return provision.Track(o.rec, "restart", name, func() (bool, error) {
		if err := executil.MustSucceed(ctx, o.run, "restart "+name, executil.Command{
			Name: "rc-service", Args: []string{name, "restart"}, Timeout: o.opts.RestartTimeout,
		}); err != nil {
			return false, err
		}
		active, err := o.IsActive(ctx, name)
		if err != nil {
			return false, err
		}
		if !active {
			return false, fmt.Errorf("%s is not running after restart", name)
		}
		logging.Info(subsystem, "Restarted %s", name)
		return true, nil
	})
}

// IsActive implements Supervisor.
func (o *OpenRC) IsActive(ctx context.Context, name string) (bool, error) {
	return executil.Succeeds(ctx, o.run, "rc-service", name, "status"), nil
}

// WriteOverride implements Supervisor. OpenRC reads /etc/conf.d/<name> on
// every start, so no reload is needed.
func (o *OpenRC) WriteOverride(ctx context.Context, name string, ov Override) (bool, error) {
	if len(ov.Environment) == 0 {
		return false, fmt.Errorf("override has no settings")
	}
	path := filepath.Join(o.opts.ConfDir, name)
	var changed bool
	err := provision.Track(o.rec, "override", path, func() (bool, error) {
		c, err := provision.EnsureFile(path, confFile(ov.Environment), 0644)
		changed = c
		return c, err
	})
	return changed, err
}
