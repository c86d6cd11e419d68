package cmd

import (
	"context"
	"fmt"

	"appstore/internal/acquire"
	"appstore/internal/apps"
	"appstore/internal/certs"
	"appstore/internal/config"
	"appstore/internal/executil"
	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/provision"
	"appstore/internal/readiness"
	"appstore/internal/supervisor"
	"appstore/internal/template"
)

// loadConfig reads the engine configuration named by --config.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return cfg, provision.NewConfigError("config", path, err.Error())
	}
	return cfg, nil
}

// newHost wires the host primitives for one run. The returned cleanup
// releases the init system connection.
func newHost(ctx context.Context, cfg config.Config, in *inputs.Resolver, rec provision.Recorder) (*apps.Host, func(), error) {
	retry := executil.RetryPolicy{
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}
	run := executil.New(cfg.Timeouts.Command, retry)

	acq := acquire.New(run, rec, acquire.Options{
		Attempts:         cfg.Retry.Attempts,
		Retry:            retry,
		InstallerTimeout: cfg.Timeouts.Installer,
		Platform:         cfg.Registry.Platform,
	})

	kind, err := pkgmgr.Detect(ctx, run)
	if err != nil {
		return nil, nil, err
	}
	pkgs := pkgmgr.New(kind, run, rec, acq, pkgmgr.Options{
		Attempts:     cfg.Retry.Attempts,
		KeyringDir:   cfg.Paths.KeyringDir,
		SourcesDir:   cfg.Paths.SourcesDir,
		ApkReposFile: cfg.Paths.ApkReposFile,
		Timeout:      cfg.Timeouts.Installer,
	})

	sup, err := supervisor.Detect(ctx, run, rec, supervisor.Options{
		SystemdDir:     cfg.Paths.SystemdDir,
		InitDir:        cfg.Paths.InitDir,
		RestartTimeout: cfg.Timeouts.Restart,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to detect init system: %w", err)
	}

	h := &apps.Host{
		Run:       run,
		Rec:       rec,
		Inputs:    in,
		Packages:  pkgs,
		Files:     fsops.New(run, rec),
		Templates: template.New(rec),
		Services:  sup,
		Acquire:   acq,
		CertOptions: certs.Options{
			Timeout:     cfg.Timeouts.ACME,
			DNSResolver: cfg.ACME.DNSResolver,
		},
		StagingServer: cfg.ACME.StagingServer,
		Readiness:     readiness.Options{Timeout: cfg.Timeouts.Readiness},
	}
	return h, sup.Close, nil
}

// lookupApp resolves an app id; an unknown id is a configuration error.
func lookupApp(id string) (apps.App, error) {
	a, ok := apps.Lookup(id)
	if !ok {
		return nil, provision.NewConfigError("app", id, "unknown app, see 'appstore apps'")
	}
	return a, nil
}

// lookupCertApp resolves an app that manages a TLS certificate.
func lookupCertApp(id string) (apps.CertificateApp, error) {
	a, err := lookupApp(id)
	if err != nil {
		return nil, err
	}
	ca, ok := a.(apps.CertificateApp)
	if !ok {
		return nil, provision.NewConfigError("app", id, "does not manage a certificate")
	}
	return ca, nil
}
