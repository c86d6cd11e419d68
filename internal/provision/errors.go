package provision

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	textutil "appstore/pkg/strings"
)

// ConfigError reports an input that cannot be coerced to its declared type
// or an otherwise invalid configuration value. It is always fatal and is
// raised before any host mutation.
type ConfigError struct {
	// Field is the input or configuration key that failed.
	Field string
	// Value is the raw value that was rejected, if any.
	Value string
	// Message describes the problem.
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	if e.Value != "" {
		return fmt.Sprintf("input %q: %s (got %q)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("input %q: %s", e.Field, e.Message)
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, value, message string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Message: message}
}

// IsConfigError checks if an error is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// DependencyError reports a failure to fetch or verify an external
// dependency: a package, a repository definition, a signing key, a vendor
// installer or a registry image.
type DependencyError struct {
	// Kind categorises the dependency ("package", "repository", "key", "image", "script").
	Kind string
	// Name identifies the dependency.
	Name string
	// Err is the underlying cause.
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Name, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// NewDependencyError wraps err as a DependencyError.
func NewDependencyError(kind, name string, err error) *DependencyError {
	return &DependencyError{Kind: kind, Name: name, Err: err}
}

// IsDependencyError checks if an error is or wraps a DependencyError.
func IsDependencyError(err error) bool {
	var target *DependencyError
	return errors.As(err, &target)
}

// MissingVariableError is returned by the renderer when a template references
// variables that have no binding.
type MissingVariableError struct {
	Template  string
	Variables []string
}

func (e *MissingVariableError) Error() string {
	vars := append([]string(nil), e.Variables...)
	sort.Strings(vars)
	if e.Template == "" {
		return fmt.Sprintf("missing template variables: %s", strings.Join(vars, ", "))
	}
	return fmt.Sprintf("template %s: missing template variables: %s", e.Template, strings.Join(vars, ", "))
}

// IsMissingVariableError checks if an error is or wraps a MissingVariableError.
func IsMissingVariableError(err error) bool {
	var target *MissingVariableError
	return errors.As(err, &target)
}

// CertificateError reports a failed certificate request or swap. It is
// recoverable: the previously serving certificate stays in place.
type CertificateError struct {
	Domains []string
	Stage   string
	Err     error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate %s for %s: %v", e.Stage, strings.Join(e.Domains, ","), e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// IsCertificateError checks if an error is or wraps a CertificateError.
func IsCertificateError(err error) bool {
	var target *CertificateError
	return errors.As(err, &target)
}

// EnvParseError describes one rejected line of free-form KEY=VALUE input.
type EnvParseError struct {
	Line   int
	Text   string
	Reason string
}

func (e *EnvParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// ProcessError reports an external command that exited non-zero, timed out
// or could not be started.
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ProcessError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("command %q timed out", e.Command)
	case e.ExitCode != 0:
		msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
		if s := strings.TrimSpace(e.Stderr); s != "" {
			msg += ": " + textutil.LastLine(s)
		}
		return msg
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// IsProcessError checks if an error is or wraps a ProcessError.
func IsProcessError(err error) bool {
	var target *ProcessError
	return errors.As(err, &target)
}
