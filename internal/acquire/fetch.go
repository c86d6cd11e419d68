package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "Acquire"

// maxFetchSize caps in-memory downloads (scripts, keys).
const maxFetchSize = 64 << 20

// Acquirer fetches artifacts from outside the host: vendor installers,
// archives and binaries published in container registries.
type Acquirer struct {
	run      executil.Runner
	rec      provision.Recorder
	client   *http.Client
	retry    executil.RetryPolicy
	attempts int

	installerTimeout time.Duration
	platform         string
	registryOpts     []RegistryOption
}

// Options configures an Acquirer.
type Options struct {
	Client           *http.Client
	Attempts         int
	Retry            executil.RetryPolicy
	InstallerTimeout time.Duration
	// Platform is the image platform pulled by PullBinary, "linux/<arch>".
	Platform string
}

// New creates an Acquirer.
func New(run executil.Runner, rec provision.Recorder, opts Options) *Acquirer {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 2 * time.Second
	}
	if opts.Retry.MaxInterval < opts.Retry.InitialInterval {
		opts.Retry.MaxInterval = opts.Retry.InitialInterval
	}
	if rec == nil {
		rec = provision.Discard
	}
	return &Acquirer{
		run:              run,
		rec:              rec,
		client:           opts.Client,
		retry:            opts.Retry,
		attempts:         opts.Attempts,
		installerTimeout: opts.InstallerTimeout,
		platform:         opts.Platform,
	}
}

// Fetch downloads url into memory with bounded retry. Client errors (4xx)
// are not retried.
func (a *Acquirer) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := a.get(ctx, url)
		if err != nil {
			if attempt < a.attempts {
				logging.Warn(subsystem, "Fetching %s failed (attempt %d/%d): %v", url, attempt, a.attempts, err)
			}
			return err
		}
		body = data
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.retry.InitialInterval
	b.MaxInterval = a.retry.MaxInterval
	b.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(a.attempts-1)), ctx)); err != nil {
		return nil, provision.NewDependencyError("download", url, err)
	}
	return body, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d %s", e.code, http.StatusText(e.code))
}

func (a *Acquirer) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", "appstore")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return nil, backoff.Permanent(&statusError{code: resp.StatusCode})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFetchSize {
		return nil, backoff.Permanent(fmt.Errorf("response larger than %d bytes", maxFetchSize))
	}
	return data, nil
}

// Download stores url at dest with mode. An identical existing file is left
// untouched.
func (a *Acquirer) Download(ctx context.Context, url, dest string, mode os.FileMode) error {
	return provision.Track(a.rec, "download", dest, func() (bool, error) {
		data, err := a.Fetch(ctx, url)
		if err != nil {
			return false, err
		}
		changed, err := provision.EnsureFile(dest, data, mode)
		if err != nil {
			return false, err
		}
		if changed {
			logging.Info(subsystem, "Downloaded %s to %s", url, dest)
		}
		return changed, nil
	})
}
