// Package executiltest provides a scripted executil.Runner for tests of
// packages that drive external tools.
package executiltest

import (
	"context"
	"os/exec"
	"strings"
	"sync"

	"appstore/internal/executil"
	"appstore/internal/provision"
)

// Response is what a scripted command returns.
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Do runs before the response is returned, to emulate side effects
	// such as the tool writing files.
	Do func(cmd executil.Command)
}

// Fake records every command and answers from a prefix table. Commands with
// no matching rule succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	rules    []rule
	Commands []executil.Command
	// Binaries lists what LookPath finds; nil means everything is found.
	Binaries map[string]bool
}

type rule struct {
	prefix string
	resp   Response
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// On registers resp for every command line starting with prefix. Later
// rules take precedence over earlier ones.
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, resp: resp})
	return f
}

// Run implements executil.Runner.
func (f *Fake) Run(_ context.Context, cmd executil.Command) (*executil.Result, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	line := cmd.String()
	var resp Response
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(line, f.rules[i].prefix) {
			resp = f.rules[i].resp
			break
		}
	}
	f.mu.Unlock()

	if resp.Do != nil {
		resp.Do(cmd)
	}
	res := &executil.Result{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}
	if resp.ExitCode != 0 {
		return res, &provision.ProcessError{Command: line, ExitCode: resp.ExitCode, Stderr: resp.Stderr}
	}
	return res, nil
}

// LookPath implements executil.Runner.
func (f *Fake) LookPath(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Binaries == nil || f.Binaries[name] {
		return "/usr/bin/" + name, nil
	}
	return "", exec.ErrNotFound
}

// Lines returns every recorded command line in order.
func (f *Fake) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Commands))
	for i, c := range f.Commands {
		out[i] = c.String()
	}
	return out
}

// Count returns how many recorded command lines start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, l := range f.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets the recorded commands but keeps the rules.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = nil
}
