package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// Validate checks the whole configuration and returns every problem found.
func (c Config) Validate() error {
	var errs ValidationErrors

	paths := map[string]string{
		"paths.stateDir":     c.Paths.StateDir,
		"paths.systemdDir":   c.Paths.SystemdDir,
		"paths.initDir":      c.Paths.InitDir,
		"paths.keyringDir":   c.Paths.KeyringDir,
		"paths.sourcesDir":   c.Paths.SourcesDir,
		"paths.apkReposFile": c.Paths.ApkReposFile,
	}
	for _, field := range sortedKeys(paths) {
		if err := validateAbsPath(field, paths[field]); err != nil {
			errs = append(errs, *err)
		}
	}
	if c.Metrics.Textfile != "" {
		if err := validateAbsPath("metrics.textfile", c.Metrics.Textfile); err != nil {
			errs = append(errs, *err)
		}
	}

	if u, err := url.Parse(c.ACME.StagingServer); err != nil || u.Scheme != "https" || u.Host == "" {
		errs.Add("acme.stagingServer", "must be an https URL", c.ACME.StagingServer)
	}
	if _, err := cron.ParseStandard(c.ACME.RenewSchedule); err != nil {
		errs.Add("acme.renewSchedule", fmt.Sprintf("is not a valid cron expression: %v", err), c.ACME.RenewSchedule)
	}
	if _, _, err := net.SplitHostPort(c.ACME.DNSResolver); err != nil {
		errs.Add("acme.dnsResolver", "must be host:port", c.ACME.DNSResolver)
	}

	timeouts := map[string]time.Duration{
		"timeouts.command":   c.Timeouts.Command,
		"timeouts.installer": c.Timeouts.Installer,
		"timeouts.restart":   c.Timeouts.Restart,
		"timeouts.readiness": c.Timeouts.Readiness,
		"timeouts.acme":      c.Timeouts.ACME,
	}
	for _, field := range sortedKeys(timeouts) {
		if timeouts[field] <= 0 {
			errs.Add(field, "must be positive", timeouts[field].String())
		}
	}

	if c.Retry.Attempts < 1 || c.Retry.Attempts > 10 {
		errs.Add("retry.attempts", "must be between 1 and 10", c.Retry.Attempts)
	}
	if c.Retry.InitialInterval <= 0 {
		errs.Add("retry.initialInterval", "must be positive", c.Retry.InitialInterval.String())
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs.Add("retry.maxInterval", "must not be shorter than retry.initialInterval", c.Retry.MaxInterval.String())
	}

	if p := c.Registry.Platform; p != "" && !strings.HasPrefix(p, "linux/") {
		errs.Add("registry.platform", "must be a linux platform such as linux/amd64", p)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateAbsPath(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Value: value, Message: "is required"}
	}
	if !filepath.IsAbs(value) {
		return &ValidationError{Field: field, Value: value, Message: "must be an absolute path"}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
