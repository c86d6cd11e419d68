package executil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "Exec"

// execCommandContext is a variable to allow mocking in tests
var execCommandContext = exec.CommandContext

// lookPath is a variable to allow mocking in tests
var lookPath = exec.LookPath

// Command describes one external process invocation.
type Command struct {
	Name string
	Args []string
	// Stdin, when set, is fed to the process.
	Stdin string
	// Env entries are appended to the current environment.
	Env []string
	Dir string
	// Timeout overrides the runner default; zero keeps it.
	Timeout time.Duration
	// Attempts > 1 opts into bounded retry with exponential backoff.
	Attempts int
	// Output additionally receives stdout and stderr as they are produced.
	Output io.Writer
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the structured outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes external commands.
type Runner interface {
	// Run executes cmd and returns its result. A non-zero exit is reported as
	// a *provision.ProcessError alongside the result.
	Run(ctx context.Context, cmd Command) (*Result, error)
	// LookPath reports where an executable lives.
	LookPath(name string) (string, error)
}

// RetryPolicy bounds opt-in retries.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Exec runs commands on the local host.
type Exec struct {
	DefaultTimeout time.Duration
	Retry          RetryPolicy
}

// New creates an Exec with the given default timeout and backoff policy.
func New(timeout time.Duration, retry RetryPolicy) *Exec {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 2 * time.Second
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	return &Exec{DefaultTimeout: timeout, Retry: retry}
}

// LookPath implements Runner.
func (e *Exec) LookPath(name string) (string, error) {
	return lookPath(name)
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Attempts <= 1 {
		return e.runOnce(ctx, cmd)
	}

	var (
		res     *Result
		attempt int
	)
	op := func() error {
		attempt++
		var err error
		res, err = e.runOnce(ctx, cmd)
		if err == nil {
			return nil
		}
		var perr *provision.ProcessError
		if errors.As(err, &perr) && perr.ExitCode == 0 && !perr.TimedOut {
			// could not start at all, retrying will not help
			return backoff.Permanent(err)
		}
		if attempt < cmd.Attempts {
			logging.Warn(subsystem, "Attempt %d/%d of %q failed: %v", attempt, cmd.Attempts, cmd.String(), err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Retry.InitialInterval
	b.MaxInterval = e.Retry.MaxInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cmd.Attempts-1)), ctx))
	return res, err
}

func (e *Exec) runOnce(ctx context.Context, cmd Command) (*Result, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := execCommandContext(ctx, cmd.Name, cmd.Args...)
	if len(cmd.Env) > 0 {
		base := c.Env
		if base == nil {
			base = os.Environ()
		}
		c.Env = append(base, cmd.Env...)
	}
	if cmd.Dir != "" {
		c.Dir = cmd.Dir
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Output != nil {
		c.Stdout = io.MultiWriter(&stdout, cmd.Output)
		c.Stderr = io.MultiWriter(&stderr, cmd.Output)
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	logging.Debug(subsystem, "Running %s", cmd.String())
	start := time.Now()
	runErr := c.Run()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	if runErr == nil {
		return res, nil
	}
	perr := &provision.ProcessError{
		Command: cmd.String(),
		Stderr:  res.Stderr,
		Err:     runErr,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		perr.TimedOut = true
	} else {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			perr.ExitCode = exitErr.ExitCode()
		}
	}
	if perr.ExitCode < 0 {
		// killed by a signal
		perr.ExitCode = 0
	}
	return res, perr
}

// Output runs cmd and returns its trimmed stdout.
func Output(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, Command{Name: name, Args: args})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Succeeds runs cmd and reports whether it exited zero. Used for probes
// where failure is an answer rather than an error.
func Succeeds(ctx context.Context, r Runner, name string, args ...string) bool {
	_, err := r.Run(ctx, Command{Name: name, Args: args})
	return err == nil
}

// Has reports whether name is on PATH.
func Has(r Runner, name string) bool {
	_, err := r.LookPath(name)
	return err == nil
}

// MustSucceed wraps a failed run with a short context message.
func MustSucceed(ctx context.Context, r Runner, what string, cmd Command) error {
	if _, err := r.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	return nil
}
