package apps

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"appstore/internal/acquire"
	"appstore/internal/certs"
	"appstore/internal/executil"
	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/provision"
	"appstore/internal/readiness"
	"appstore/internal/supervisor"
	"appstore/internal/template"
	"appstore/pkg/logging"
)

//go:embed files
var provisionFiles embed.FS

// Host bundles the primitives a strategy drives. All of them report to the
// same Recorder.
type Host struct {
	// Root prefixes every host path an app writes. Empty in production.
	Root string

	Run       executil.Runner
	Rec       provision.Recorder
	Inputs    *inputs.Resolver
	Packages  *pkgmgr.Manager
	Files     *fsops.Ops
	Templates *template.Engine
	Services  supervisor.Supervisor
	Acquire   *acquire.Acquirer

	CertOptions certs.Options
	// StagingServer replaces the default ACME staging directory when set.
	StagingServer string
	Readiness     readiness.Options
}

// Path maps an absolute host path below Root.
func (h *Host) Path(p string) string {
	if h.Root == "" {
		return p
	}
	return filepath.Join(h.Root, p)
}

// ProvisionFile returns an embedded file of app.
func ProvisionFile(app, name string) (string, error) {
	data, err := fs.ReadFile(provisionFiles, path.Join("files", app, name))
	if err != nil {
		return "", fmt.Errorf("provision file %s/%s: %w", app, name, err)
	}
	return string(data), nil
}

// Deploy copies an embedded file of app to dest verbatim.
func (h *Host) Deploy(app, name, dest string, mode os.FileMode) error {
	content, err := ProvisionFile(app, name)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0644
	}
	return h.Files.WriteFile(h.Path(dest), []byte(content), mode)
}

// Render renders an embedded template of app into dest and reports whether
// the file changed.
func (h *Host) Render(app, name, dest string, vars map[string]interface{}) (bool, error) {
	text, err := ProvisionFile(app, name)
	if err != nil {
		return false, err
	}
	dest = h.Path(dest)
	out, rerr := h.Templates.Render(app+"/"+name, text, vars)
	changed := rerr == nil && !provision.SameContent(dest, out, 0644)
	if err := h.Templates.WriteFile(dest, app+"/"+name, text, vars, 0644); err != nil {
		return false, err
	}
	return changed, nil
}

// RenderOrMerge renders the template into dest only when dest does not
// exist. An existing file also belongs to the daemon and its users: merge
// gets its content and returns it with the app's keys applied, and the file
// is written only when merge reports a change. A file merge cannot parse is
// left as it is.
func (h *Host) RenderOrMerge(app, name, dest string, vars map[string]interface{}, merge func([]byte) ([]byte, bool, error)) (bool, error) {
	current, err := os.ReadFile(h.Path(dest))
	if errors.Is(err, fs.ErrNotExist) {
		return h.Render(app, name, dest, vars)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", dest, err)
	}
	// the template still has to render on a fresh host
	text, err := ProvisionFile(app, name)
	if err != nil {
		return false, err
	}
	if err := h.Templates.ValidateContext(app+"/"+name, text, vars); err != nil {
		return false, err
	}
	out, changed, err := merge(current)
	if err != nil {
		logging.Warn(subsystem, "Leaving %s as it is, it does not parse: %v", dest, err)
		return false, nil
	}
	if !changed {
		return false, nil
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(h.Path(dest)); err == nil {
		mode = info.Mode().Perm()
	}
	return h.WriteFile(dest, out, mode)
}

// WriteFile writes data to the host path dest and reports whether it
// changed.
func (h *Host) WriteFile(dest string, data []byte, mode os.FileMode) (bool, error) {
	dest = h.Path(dest)
	changed := !provision.SameContent(dest, data, mode)
	if err := h.Files.WriteFile(dest, data, mode); err != nil {
		return false, err
	}
	return changed, nil
}

// Dirs creates each directory with mode 0755.
func (h *Host) Dirs(paths ...string) error {
	for _, p := range paths {
		if err := h.Files.CreateDir(h.Path(p), 0755, ""); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs a command that must succeed.
func (h *Host) Exec(ctx context.Context, name string, args ...string) error {
	return provision.Track(h.Rec, "command", name, func() (bool, error) {
		if _, err := h.Run.Run(ctx, executil.Command{Name: name, Args: args}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// TryExec runs a command whose failure is only a warning.
func (h *Host) TryExec(ctx context.Context, name string, args ...string) {
	if err := h.Exec(ctx, name, args...); err != nil {
		logging.Warn(subsystem, "%s failed, continuing: %v", name, err)
	}
}

// Converge creates the unit and restarts it when it was already running and
// its definition changed, or when force is set. Create alone never restarts
// a running service.
func (h *Host) Converge(ctx context.Context, u supervisor.Unit, force bool) error {
	wasActive, _ := h.Services.IsActive(ctx, u.Name)
	changed, err := h.Services.Create(ctx, u)
	if err != nil {
		return err
	}
	if (changed && wasActive) || force {
		return h.Services.Restart(ctx, u.Name)
	}
	return nil
}

// Override writes a drop-in for a packaged service and restarts it when the
// drop-in changed.
func (h *Host) Override(ctx context.Context, name string, env map[string]string) error {
	changed, err := h.Services.WriteOverride(ctx, name, supervisor.Override{Environment: env})
	if err != nil {
		return err
	}
	if changed {
		return h.Services.Restart(ctx, name)
	}
	return nil
}

// WaitForTCP blocks until addr accepts connections or timeout elapses. A
// timeout is logged, never returned.
func (h *Host) WaitForTCP(ctx context.Context, addr string, timeout time.Duration) bool {
	opts := h.Readiness
	if timeout > 0 {
		opts.Timeout = timeout
	}
	return readiness.WaitForTCP(ctx, addr, opts)
}

// CertManager returns the certificate manager of app for layout.
func (h *Host) CertManager(app string, l certs.Layout) *certs.Manager {
	opts := h.CertOptions
	opts.Name = app
	if h.StagingServer != "" {
		l.StagingServer = h.StagingServer
	}
	return certs.NewManager(l, h.Run, h.Rec, opts)
}

// WaitForHTTP blocks until url answers or timeout elapses. A timeout is
// logged, never returned.
func (h *Host) WaitForHTTP(ctx context.Context, url string, timeout time.Duration) bool {
	opts := h.Readiness
	if timeout > 0 {
		opts.Timeout = timeout
	}
	ok := readiness.WaitForHTTP(ctx, url, opts)
	if !ok {
		logging.Warn(subsystem, "%s did not become ready within %s", url, opts.Timeout)
	}
	return ok
}
