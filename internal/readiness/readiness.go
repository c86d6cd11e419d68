// Package readiness polls a freshly started service until it answers.
package readiness

import (
	"context"
	"net"
	"net/http"
	"time"

	"appstore/pkg/logging"
)

const subsystem = "Readiness"

// Options tunes a wait.
type Options struct {
	// Interval between probes; also the per-probe timeout. Default 2s.
	Interval time.Duration
	// Timeout after which the wait gives up. Default 60s.
	Timeout time.Duration
	// Accept decides whether a status code means ready. Default: any 2xx.
	Accept func(status int) bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Accept == nil {
		o.Accept = func(status int) bool { return status >= 200 && status < 300 }
	}
	return o
}

// WaitForHTTP polls url until it answers with an accepted status or the
// timeout elapses. It never returns an error: a service that does not come
// up is reported as false and the caller decides what that means. Total
// blocking time is bounded by Timeout plus one Interval.
func WaitForHTTP(ctx context.Context, url string, opts Options) bool {
	opts = opts.withDefaults()
	client := &http.Client{
		Timeout: opts.Interval,
		// a redirect to a login page still means the server is up
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	probe := func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return opts.Accept(resp.StatusCode)
	}
	return poll(ctx, url, opts, probe)
}

// WaitForTCP polls until addr accepts a TCP connection.
func WaitForTCP(ctx context.Context, addr string, opts Options) bool {
	opts = opts.withDefaults()
	probe := func(ctx context.Context) bool {
		d := net.Dialer{Timeout: opts.Interval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}
	return poll(ctx, addr, opts, probe)
}

func poll(ctx context.Context, target string, opts Options, probe func(context.Context) bool) bool {
	start := time.Now()
	deadline := start.Add(opts.Timeout)
	logging.Info(subsystem, "Waiting up to %s for %s", opts.Timeout, target)

	for attempt := 1; ; attempt++ {
		if probe(ctx) {
			logging.Info(subsystem, "%s is ready after %s", target, time.Since(start).Round(time.Millisecond))
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := opts.Interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logging.Warn(subsystem, "Stopped waiting for %s: %v", target, ctx.Err())
			return false
		case <-timer.C:
		}
		logging.Debug(subsystem, "%s not ready (attempt %d)", target, attempt)
	}
	logging.Warn(subsystem, "%s did not become ready within %s", target, opts.Timeout)
	return false
}
