package apps

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"appstore/internal/certs"
	"appstore/internal/inputs"
	"appstore/internal/provision"
)

type nginx struct{}

type nginxSettings struct {
	Domain          string
	EnableSSL       bool
	HTTPPort        int
	HTTPSPort       int
	WorkerProcesses int
}

const nginxSSLDir = "/etc/nginx/ssl"

var workerProcessesRe = regexp.MustCompile(`(?m)^(\s*worker_processes\s+)[^;]+;`)

func (nginx) ID() string      { return "nginx" }
func (nginx) Summary() string { return "High-performance HTTP server and reverse proxy" }

func (nginx) settings(in *inputs.Resolver) (nginxSettings, error) {
	var s nginxSettings
	s.Domain, _ = in.String("domain", "")
	s.EnableSSL, _ = in.Boolean("enable_ssl", false)
	s.HTTPPort, _ = in.Integer("http_port", 80)
	s.HTTPSPort, _ = in.Integer("https_port", 443)
	s.WorkerProcesses, _ = in.Integer("worker_processes", 0)
	if err := in.Validate(); err != nil {
		return s, err
	}
	if s.WorkerProcesses < 0 {
		return s, provision.NewConfigError("worker_processes", fmt.Sprint(s.WorkerProcesses), "must be 0 (auto) or positive")
	}
	return s, nil
}

func (a nginx) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a nginx) Install(ctx context.Context, h *Host) error {
	if err := h.Packages.Install(ctx, "nginx"); err != nil {
		return err
	}
	if _, err := a.apply(h); err != nil {
		return err
	}
	return h.Services.Enable(ctx, "nginx")
}

func (a nginx) Configure(ctx context.Context, h *Host) error {
	changed, err := a.apply(h)
	if err != nil {
		return err
	}
	if err := h.Services.Enable(ctx, "nginx"); err != nil {
		return err
	}
	if changed {
		return h.Services.Restart(ctx, "nginx")
	}
	return nil
}

func (a nginx) apply(h *Host) (bool, error) {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return false, err
	}
	changed := false

	workers := "auto"
	if s.WorkerProcesses > 0 {
		workers = fmt.Sprint(s.WorkerProcesses)
	}
	c, err := a.setWorkers(h, workers)
	if err != nil {
		return false, err
	}
	changed = changed || c

	if s.EnableSSL {
		c, err := a.ensureSelfSigned(h, s.Domain)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}

	serverName := ""
	if s.Domain != "" {
		serverName = fmt.Sprintf("server_name %s;", s.Domain)
	}
	c, err = h.Render(a.ID(), "server.conf", "/etc/nginx/sites-available/default", map[string]interface{}{
		"http_port":        s.HTTPPort,
		"https_port":       s.HTTPSPort,
		"server_name_line": serverName,
		"enable_ssl":       s.EnableSSL,
		"ssl_dir":          nginxSSLDir,
	})
	return changed || c, err
}

// setWorkers rewrites the worker_processes directive of the packaged
// nginx.conf in place.
func (a nginx) setWorkers(h *Host, workers string) (bool, error) {
	path := h.Path("/etc/nginx/nginx.conf")
	var changed bool
	err := provision.Track(h.Rec, "file", path, func() (bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !workerProcessesRe.Match(data) {
			return false, fmt.Errorf("%s has no worker_processes directive", path)
		}
		out := workerProcessesRe.ReplaceAll(data, []byte("${1}"+workers+";"))
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		changed, err = provision.EnsureFile(path, out, info.Mode().Perm())
		return changed, err
	})
	return changed, err
}

// ensureSelfSigned generates the nginx TLS pair once. An existing pair is
// kept.
func (a nginx) ensureSelfSigned(h *Host, domain string) (bool, error) {
	if err := h.Dirs(nginxSSLDir); err != nil {
		return false, err
	}
	crt := h.Path(nginxSSLDir + "/nginx.crt")
	key := h.Path(nginxSSLDir + "/nginx.key")
	var changed bool
	err := provision.Track(h.Rec, "certificate", crt, func() (bool, error) {
		if _, err := os.Stat(crt); err == nil {
			if _, err := os.Stat(key); err == nil {
				return false, nil
			}
		}
		cn := domain
		if cn == "" {
			cn = "localhost"
		}
		certPEM, keyPEM, err := certs.GenerateSelfSigned(cn, time.Now())
		if err != nil {
			return false, err
		}
		if err := provision.WriteFileAtomic(key, keyPEM, 0600); err != nil {
			return false, err
		}
		if err := provision.WriteFileAtomic(crt, certPEM, 0644); err != nil {
			return false, err
		}
		changed = true
		return true, nil
	})
	return changed, err
}
