package apps

import (
	"context"
	"fmt"
	"time"

	"appstore/internal/inputs"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// Verb is a lifecycle entry point.
type Verb string

const (
	VerbInstall   Verb = "install"
	VerbConfigure Verb = "configure"
)

// RunOptions carries what the controller records after a run.
type RunOptions struct {
	StateDir string
	RunID    string
	Version  string
	Now      func() time.Time
}

// Run resolves the inputs of app and drives verb. Input errors are returned
// before the host is touched. A successful install writes the install
// marker; a successful configure updates it.
func Run(ctx context.Context, app App, verb Verb, h *Host, opts RunOptions) error {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := app.ResolveInputs(h.Inputs); err != nil {
		return err
	}
	logInputs(app, h.Inputs)

	switch verb {
	case VerbInstall:
		if opts.StateDir != "" {
			if m, err := provision.ReadMarker(opts.StateDir, app.ID()); err == nil && m != nil {
				logging.Warn(subsystem, "%s was already installed at %s (run %s); installing again",
					app.ID(), m.InstalledAt.Format(time.RFC3339), m.RunID)
			}
		}
		logging.Info(subsystem, "Installing %s", app.ID())
		if err := app.Install(ctx, h); err != nil {
			return err
		}
		if opts.StateDir == "" {
			return nil
		}
		return provision.WriteMarker(opts.StateDir, provision.Marker{
			App:           app.ID(),
			RunID:         opts.RunID,
			EngineVersion: opts.Version,
			InstalledAt:   opts.Now().UTC(),
		})
	case VerbConfigure:
		logging.Info(subsystem, "Configuring %s", app.ID())
		if err := app.Configure(ctx, h); err != nil {
			return err
		}
		if opts.StateDir == "" {
			return nil
		}
		return provision.TouchConfigured(opts.StateDir, app.ID(), opts.Now())
	default:
		return fmt.Errorf("unknown verb %q", verb)
	}
}

// logInputs reports how every input resolved and warns about supplied
// names the app does not declare, which usually are typos. Values are not
// logged since some inputs are passwords.
func logInputs(app App, in *inputs.Resolver) {
	for _, r := range in.Resolved() {
		source := "default"
		if r.Explicit {
			source = "supplied"
		}
		logging.Debug(subsystem, "Input %s (%s) from %s", r.Name, r.Type, source)
	}
	for _, name := range in.Unused() {
		logging.Warn(subsystem, "%s has no input %q, ignoring it", app.ID(), name)
	}
}
