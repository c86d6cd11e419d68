// Package preflight runs read-only host checks before provisioning.
package preflight

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"appstore/internal/executil"
	"appstore/internal/pkgmgr"
)

// Severity grades a failed check.
type Severity string

const (
	OK      Severity = "ok"
	Warning Severity = "warning"
	Fatal   Severity = "fatal"
)

// Result is the outcome of one check.
type Result struct {
	Name     string
	Severity Severity
	Detail   string
}

// Check is a single probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) Result
}

// these are variables to allow mocking in tests
var (
	geteuid   = unix.Geteuid
	diskUsage = disk.UsageWithContext
	hostInfo  = host.InfoWithContext
	statPath  = os.Stat
)

// Options tunes the default checks.
type Options struct {
	Certbot string
	// MinFreeBytes below which the disk check fails. Default 2 GiB.
	MinFreeBytes uint64
	// NeedTun makes a missing /dev/net/tun fatal rather than a warning.
	NeedTun bool
}

// DefaultChecks returns the standard host checks.
func DefaultChecks(run executil.Runner, opts Options) []Check {
	if opts.MinFreeBytes == 0 {
		opts.MinFreeBytes = 2 << 30
	}
	return []Check{
		{Name: "root", Run: func(context.Context) Result {
			if geteuid() != 0 {
				return Result{Severity: Fatal, Detail: "must run as root"}
			}
			return Result{Severity: OK, Detail: "uid 0"}
		}},
		{Name: "package-manager", Run: func(ctx context.Context) Result {
			k, err := pkgmgr.Detect(ctx, run)
			if err != nil {
				return Result{Severity: Fatal, Detail: err.Error()}
			}
			return Result{Severity: OK, Detail: string(k)}
		}},
		{Name: "init-system", Run: func(context.Context) Result {
			if _, err := statPath("/run/systemd/system"); err == nil {
				return Result{Severity: OK, Detail: "systemd"}
			}
			if executil.Has(run, "rc-service") {
				return Result{Severity: OK, Detail: "openrc"}
			}
			return Result{Severity: Fatal, Detail: "neither systemd nor OpenRC found"}
		}},
		{Name: "acme-client", Run: func(context.Context) Result {
			if opts.Certbot == "" {
				return Result{Severity: OK, Detail: "not required"}
			}
			if _, err := statPath(opts.Certbot); err != nil {
				return Result{Severity: Warning, Detail: opts.Certbot + " not installed yet"}
			}
			return Result{Severity: OK, Detail: opts.Certbot}
		}},
		{Name: "disk", Run: func(ctx context.Context) Result {
			u, err := diskUsage(ctx, "/")
			if err != nil {
				return Result{Severity: Warning, Detail: err.Error()}
			}
			detail := fmt.Sprintf("%.1f GiB free on /", float64(u.Free)/(1<<30))
			if u.Free < opts.MinFreeBytes {
				return Result{Severity: Fatal, Detail: detail}
			}
			return Result{Severity: OK, Detail: detail}
		}},
		{Name: "virtualization", Run: func(ctx context.Context) Result {
			info, err := hostInfo(ctx)
			if err != nil {
				return Result{Severity: Warning, Detail: err.Error()}
			}
			role := info.VirtualizationRole
			if role == "" {
				role = "host"
			}
			sys := info.VirtualizationSystem
			if sys == "" {
				sys = "none"
			}
			return Result{Severity: OK, Detail: fmt.Sprintf("%s %s (%s %s)", sys, role, info.Platform, info.PlatformVersion)}
		}},
		{Name: "tun", Run: func(context.Context) Result {
			if _, err := statPath("/dev/net/tun"); err != nil {
				sev := Warning
				if opts.NeedTun {
					sev = Fatal
				}
				return Result{Severity: sev, Detail: "/dev/net/tun missing; VPN apps need it passed into the container"}
			}
			return Result{Severity: OK, Detail: "/dev/net/tun present"}
		}},
	}
}

// Run executes checks concurrently and returns their results sorted by name.
func Run(ctx context.Context, checks []Check) []Result {
	results := make([]Result, len(checks))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			r := c.Run(ctx)
			r.Name = c.Name
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Failed reports whether any result is fatal.
func Failed(results []Result) bool {
	for _, r := range results {
		if r.Severity == Fatal {
			return true
		}
	}
	return false
}
