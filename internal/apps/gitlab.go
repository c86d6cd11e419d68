package apps

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"appstore/internal/executil"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const gitlabRB = "/etc/gitlab/gitlab.rb"

type gitlab struct{}

type gitlabSettings struct {
	ExternalURL     string
	Port            int
	SSHPort         int
	Registry        bool
	Pages           bool
	RequireEmail    bool
	InitialPassword string
}

func (gitlab) ID() string      { return "gitlab" }
func (gitlab) Summary() string { return "Self-hosted DevOps platform (GitLab CE)" }

func (gitlab) settings(in *inputs.Resolver) (gitlabSettings, error) {
	var s gitlabSettings
	s.ExternalURL, _ = in.String("external_url", "")
	s.Port, _ = in.Integer("gitlab_port", 80)
	s.SSHPort, _ = in.Integer("ssh_port", 22)
	s.Registry, _ = in.Boolean("registry_enabled", false)
	s.Pages, _ = in.Boolean("pages_enabled", false)
	s.RequireEmail, _ = in.Boolean("require_email_confirmation", false)
	s.InitialPassword, _ = in.String("initial_root_password", "")
	if err := in.Validate(); err != nil {
		return s, err
	}
	if s.InitialPassword != "" && len(s.InitialPassword) < 8 {
		return s, provision.NewConfigError("initial_root_password", "", "must be at least 8 characters")
	}
	return s, nil
}

func (a gitlab) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

// externalURL defaults to the container address and appends a non-standard
// port unless the URL already names one.
func (s gitlabSettings) externalURL() string {
	u := s.ExternalURL
	if u == "" {
		u = "http://" + inputs.HostAddress()
	}
	hostPart := u
	if i := strings.Index(u, "//"); i >= 0 {
		hostPart = u[i+2:]
	}
	if s.Port != 80 && !strings.Contains(hostPart, ":") {
		u = fmt.Sprintf("%s:%d", u, s.Port)
	}
	return u
}

func (a gitlab) Install(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := h.Packages.Install(ctx, "curl", "openssh-server", "ca-certificates", "tzdata", "perl", "locales"); err != nil {
		return err
	}
	// PostgreSQL initdb needs a UTF-8 locale
	if err := h.Exec(ctx, "locale-gen", "en_US.UTF-8"); err != nil {
		return err
	}
	if err := h.Exec(ctx, "update-locale", "LANG=en_US.UTF-8"); err != nil {
		return err
	}

	distro, codename, err := osRelease(h.Path("/etc/os-release"))
	if err != nil {
		return err
	}
	err = h.Packages.AddRepository(ctx, pkgmgr.Repository{
		Name:       "gitlab-ce",
		URL:        "https://packages.gitlab.com/gitlab/gitlab-ce/" + distro + "/",
		Suite:      codename,
		Components: []string{"main"},
		KeyURL:     "https://packages.gitlab.com/gitlab/gitlab-ce/gpgkey",
	})
	if err != nil {
		return err
	}

	// the package postinst reads EXTERNAL_URL; its own reconfigure is
	// skipped because Configure runs one right after
	logging.Info(subsystem, "Installing gitlab-ce (about 1 GB)")
	restore := setenv(map[string]string{
		"EXTERNAL_URL":            s.externalURL(),
		"GITLAB_SKIP_RECONFIGURE": "1",
	})
	err = h.Packages.Install(ctx, "gitlab-ce")
	restore()
	if err != nil {
		return err
	}

	if err := a.configure(ctx, h, true); err != nil {
		return err
	}

	if s.InitialPassword != "" {
		logging.Info(subsystem, "Setting the initial root password")
		_, err := h.Run.Run(ctx, executil.Command{
			Name:  "gitlab-rake",
			Args:  []string{"gitlab:password:reset"},
			Stdin: fmt.Sprintf("root\n%s\n%s\n", s.InitialPassword, s.InitialPassword),
		})
		if err != nil {
			logging.Warn(subsystem, "Could not set the root password; reset it with gitlab-rake gitlab:password:reset: %v", err)
		}
	}
	return nil
}

func (a gitlab) Configure(ctx context.Context, h *Host) error {
	return a.configure(ctx, h, false)
}

// configure renders gitlab.rb and runs gitlab-ctl reconfigure when it
// changed or force is set.
func (a gitlab) configure(ctx context.Context, h *Host, force bool) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	external := s.externalURL()
	hostname := "localhost"
	if u, err := url.Parse(external); err == nil && u.Hostname() != "" {
		hostname = u.Hostname()
	}
	sendConfirmation := "false"
	if s.RequireEmail {
		sendConfirmation = "true"
	}

	changed, err := h.Render(a.ID(), "gitlab.rb.tmpl", gitlabRB, map[string]interface{}{
		"external_url":            external,
		"gitlab_port":             s.Port,
		"ssh_port":                s.SSHPort,
		"hostname":                hostname,
		"registry_enabled":        s.Registry,
		"pages_enabled":           s.Pages,
		"send_confirmation_email": sendConfirmation,
	})
	if err != nil {
		return err
	}
	if !changed && !force {
		logging.Info(subsystem, "%s unchanged, skipping gitlab-ctl reconfigure", gitlabRB)
		return nil
	}

	logging.Info(subsystem, "Running gitlab-ctl reconfigure (this may take a few minutes)")
	if err := h.Exec(ctx, "gitlab-ctl", "reconfigure"); err != nil {
		return err
	}

	// gitlab.rb only seeds these; after the first reconfigure the database wins
	emailSetting := "off"
	if s.RequireEmail {
		emailSetting = "hard"
	}
	h.TryExec(ctx, "gitlab-rails", "runner", fmt.Sprintf(
		"ApplicationSetting.current.update!(require_admin_approval_after_user_signup: false, email_confirmation_setting: '%s')",
		emailSetting))
	return nil
}

// osRelease returns the distribution id and codename from os-release.
func osRelease(path string) (id, codename string, err error) {
	env, err := godotenv.Read(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	id, codename = env["ID"], env["VERSION_CODENAME"]
	if id == "" || codename == "" {
		return "", "", provision.NewDependencyError("os-release", path, fmt.Errorf("ID or VERSION_CODENAME missing"))
	}
	return id, codename, nil
}

// setenv sets vars in the process environment and returns a func restoring
// the previous values.
func setenv(vars map[string]string) func() {
	prev := map[string]*string{}
	for k, v := range vars {
		if old, ok := os.LookupEnv(k); ok {
			prev[k] = &old
		} else {
			prev[k] = nil
		}
		os.Setenv(k, v)
	}
	return func() {
		for k, old := range prev {
			if old == nil {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, *old)
			}
		}
	}
}
