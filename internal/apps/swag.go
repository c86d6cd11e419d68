package apps

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"appstore/internal/certs"
	"appstore/internal/inputs"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const (
	swagVenv       = "/lsiopy"
	swagProxyConfs = "/config/nginx/proxy-confs"
	swagProxyURL   = "https://github.com/linuxserver/reverse-proxy-confs/tarball/master"
	swagDefaults   = "https://github.com/linuxserver/docker-swag.git"
)

// swagDirs is the persistent layout below /config plus runtime dirs.
var swagDirs = []string{
	"/config/nginx/site-confs",
	swagProxyConfs,
	"/config/dns-conf",
	"/config/keys",
	"/config/www",
	"/config/log/nginx",
	"/config/log/letsencrypt",
	"/config/log/fail2ban",
	"/config/fail2ban",
	"/config/etc/letsencrypt/renewal-hooks/deploy",
	"/tmp/letsencrypt",
	"/run/nginx",
	"/run/fail2ban",
}

// repository clutter shipped in the proxy-confs tarball
var swagTarballJunk = []string{".editorconfig", ".gitattributes", ".github", ".gitignore", "LICENSE"}

type swag struct{}

type swagSettings struct {
	Request   certs.Request
	HTTPPort  int
	HTTPSPort int
}

func (swag) ID() string      { return "swag" }
func (swag) Summary() string { return "Secure web gateway: nginx reverse proxy with Let's Encrypt and fail2ban" }

func (swag) settings(in *inputs.Resolver) (swagSettings, error) {
	var s swagSettings
	var validation string
	s.Request.Domain, _ = in.String("url", "")
	validation, _ = in.String("validation", "http")
	s.Request.DNSPlugin, _ = in.String("dnsplugin", "cloudflare")
	s.Request.Email, _ = in.String("email", "")
	s.Request.Subdomains, _ = in.String("subdomains", "wildcard")
	s.Request.OnlySubdomains, _ = in.Boolean("only_subdomains", false)
	s.Request.Staging, _ = in.Boolean("staging", false)
	s.Request.ExtraDomains, _ = in.String("extra_domains", "")
	s.HTTPPort, _ = in.Integer("port_http", 80)
	s.HTTPSPort, _ = in.Integer("port_https", 443)
	if err := in.Validate(); err != nil {
		return s, err
	}
	s.Request.Validation = certs.Validation(validation)
	return s, s.Request.Validate()
}

func (a swag) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

// CertLayout places the certificate tree below the host root. The ACME
// client binary lives in the venv.
func (swag) CertLayout(h *Host) certs.Layout {
	l := certs.DefaultLayout()
	l.KeysDir = h.Path(l.KeysDir)
	l.ConfigDir = h.Path(l.ConfigDir)
	l.LogsDir = h.Path(l.LogsDir)
	l.WorkDir = h.Path(l.WorkDir)
	l.DNSConfDir = h.Path(l.DNSConfDir)
	l.Certbot = swagVenv + "/bin/certbot"
	return l
}

func (a swag) CertRequest(in *inputs.Resolver) (certs.Request, error) {
	s, err := a.settings(in)
	return s.Request, err
}

func (swag) ReloadService() string { return "nginx" }

// certbotPackages is certbot plus one authenticator per DNS plugin.
func certbotPackages() []string {
	pkgs := []string{"certbot"}
	for _, p := range certs.DNSPlugins() {
		if p == "gandi" {
			pkgs = append(pkgs, "certbot-plugin-gandi")
			continue
		}
		pkgs = append(pkgs, "certbot-dns-"+p)
	}
	return append(pkgs, "cryptography", "requests")
}

func (a swag) Install(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	logging.Info(subsystem, "Installing system packages")
	err = h.Packages.Install(ctx,
		"bash", "ca-certificates", "coreutils", "curl", "jq",
		"openssl", "nginx", "nginx-mod-http-brotli",
		"nginx-mod-http-headers-more", "nginx-mod-stream",
		"fail2ban", "gnupg", "iptables-legacy", "logrotate",
		"python3", "py3-pip", "apache2-utils", "git",
		"inotify-tools",
	)
	if err != nil {
		return err
	}
	logging.Info(subsystem, "Installing certbot and DNS plugins")
	if err := h.Packages.CreateVenv(ctx, h.Path(swagVenv)); err != nil {
		return err
	}
	if err := h.Packages.PipInstall(ctx, h.Path(swagVenv), certbotPackages()...); err != nil {
		return err
	}

	if err := h.Dirs(swagDirs...); err != nil {
		return err
	}
	deploys := map[string]string{
		"nginx.conf": "/etc/nginx/nginx.conf",
		"ssl.conf":   "/config/nginx/ssl.conf",
		"proxy.conf": "/config/nginx/proxy.conf",
		"index.html": "/config/www/index.html",
	}
	for name, dest := range deploys {
		if err := h.Deploy(a.ID(), name, dest, 0644); err != nil {
			return err
		}
	}
	if _, err := a.renderSite(h, s); err != nil {
		return err
	}
	// the distribution default site would claim port 80
	if err := h.Files.Remove(h.Path("/etc/nginx/http.d/default.conf")); err != nil {
		return err
	}

	if err := a.proxyConfs(ctx, h); err != nil {
		logging.Warn(subsystem, "Preset proxy configs unavailable: %v", err)
	}
	if err := a.defaults(ctx, h); err != nil {
		logging.Warn(subsystem, "DNS credential templates and fail2ban filters unavailable: %v", err)
	}
	if err := a.fail2ban(h); err != nil {
		return err
	}
	for _, l := range []string{"/config/log/nginx/error.log", "/config/log/nginx/access.log"} {
		if err := h.Files.Touch(h.Path(l), 0644); err != nil {
			return err
		}
	}
	for _, name := range []string{"iptables", "iptables-save", "iptables-restore"} {
		if err := h.Files.Symlink("/usr/sbin/xtables-legacy-multi", h.Path("/usr/sbin/"+name)); err != nil {
			logging.Warn(subsystem, "Could not point %s at the legacy backend: %v", name, err)
		}
	}

	mgr := h.CertManager(a.ID(), a.CertLayout(h))
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	if _, err := a.issue(ctx, mgr, s.Request); err != nil {
		return err
	}

	if err := h.Deploy(a.ID(), "certbot-renew.sh", "/etc/periodic/daily/certbot-renew", 0755); err != nil {
		return err
	}

	logging.Info(subsystem, "Starting services")
	for _, svc := range []string{"nginx", "fail2ban"} {
		if err := h.Services.Enable(ctx, svc); err != nil {
			return err
		}
		if err := h.Services.Restart(ctx, svc); err != nil {
			return err
		}
	}
	return nil
}

// Configure re-renders the default site and re-requests the certificate
// with the current inputs.
func (a swag) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	changed, err := a.renderSite(h, s)
	if err != nil {
		return err
	}
	mgr := h.CertManager(a.ID(), a.CertLayout(h))
	issued, err := a.issue(ctx, mgr, s.Request)
	if err != nil {
		return err
	}
	if changed || issued {
		return h.Services.Restart(ctx, "nginx")
	}
	return nil
}

func (a swag) renderSite(h *Host, s swagSettings) (bool, error) {
	return h.Render(a.ID(), "default-site.conf", "/config/nginx/site-confs/default.conf", map[string]interface{}{
		"http_port":  s.HTTPPort,
		"https_port": s.HTTPSPort,
	})
}

// issue requests the certificate when a domain is configured. ACME failures
// leave the previous pair serving and are not fatal.
func (a swag) issue(ctx context.Context, mgr *certs.Manager, r certs.Request) (bool, error) {
	if r.Domain == "" {
		logging.Info(subsystem, "No url set; serving the self-signed certificate")
		return false, nil
	}
	rec, err := mgr.Issue(ctx, r)
	if provision.IsCertificateError(err) {
		logging.Warn(subsystem, "Certificate request for %s failed; the self-signed certificate stays live", r.Domain)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.State == certs.Issued, nil
}

// proxyConfs unpacks the preset reverse proxy configs once.
func (a swag) proxyConfs(ctx context.Context, h *Host) error {
	dest := h.Path(swagProxyConfs)
	if matches, _ := filepath.Glob(filepath.Join(dest, "*.sample")); len(matches) > 0 {
		logging.Debug(subsystem, "%d proxy configs present, skipping download", len(matches))
		return nil
	}
	tmp, err := os.CreateTemp("", "proxy-confs-*.tar.gz")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := h.Acquire.Download(ctx, swagProxyURL, tmp.Name(), 0644); err != nil {
		return err
	}
	if err := h.Acquire.ExtractTarball(tmp.Name(), dest, 1); err != nil {
		return err
	}
	for _, junk := range swagTarballJunk {
		if err := h.Files.Remove(filepath.Join(dest, junk)); err != nil {
			return err
		}
	}
	return nil
}

// defaults copies DNS credential templates and fail2ban definitions from
// the upstream repository. Existing credential files are never overwritten.
func (a swag) defaults(ctx context.Context, h *Host) error {
	tmp, err := os.MkdirTemp("", "swag-defaults-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	checkout := filepath.Join(tmp, "swag")
	if err := h.Exec(ctx, "git", "clone", "--depth", "1", swagDefaults, checkout); err != nil {
		return err
	}
	root := filepath.Join(checkout, "root", "defaults")
	if err := copyTree(h, filepath.Join(root, "dns-conf"), h.Path("/config/dns-conf"), false); err != nil {
		return err
	}
	for _, d := range []string{"filter.d", "action.d"} {
		if err := copyTree(h, filepath.Join(root, "fail2ban", d), h.Path("/config/fail2ban/"+d), true); err != nil {
			return err
		}
	}
	return nil
}

// fail2ban points the daemon at the definitions kept under /config.
func (a swag) fail2ban(h *Host) error {
	if err := h.Deploy(a.ID(), "jail.local", "/config/fail2ban/jail.local", 0644); err != nil {
		return err
	}
	for _, d := range []string{"filter.d", "action.d"} {
		if err := h.Dirs("/config/fail2ban/" + d); err != nil {
			return err
		}
		if err := h.Files.Symlink("/config/fail2ban/"+d, h.Path("/etc/fail2ban/"+d)); err != nil {
			return err
		}
	}
	return h.Files.CopyFile(h.Path("/config/fail2ban/jail.local"), h.Path("/etc/fail2ban/jail.local"), 0644)
}

// copyTree copies regular files below src into dst. With overwrite unset,
// files already present in dst are kept. A missing src copies nothing.
func copyTree(h *Host, src, dst string, overwrite bool) error {
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return h.Files.CreateDir(target, 0755, "")
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".git") {
			return nil
		}
		if !overwrite {
			if _, err := os.Stat(target); err == nil {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return h.Files.CopyFile(p, target, info.Mode().Perm())
	})
	if errors.Is(err, fs.ErrNotExist) {
		logging.Debug(subsystem, "%s not found, nothing to copy", src)
		return nil
	}
	return err
}
