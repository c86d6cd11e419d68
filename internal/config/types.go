package config

import "time"

// Config is the top-level engine configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	ACME     ACMEConfig     `yaml:"acme"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Retry    RetryConfig    `yaml:"retry"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Registry RegistryConfig `yaml:"registry,omitempty"`
}

// PathsConfig holds the filesystem roots the engine writes to.
type PathsConfig struct {
	StateDir     string `yaml:"stateDir,omitempty"`     // install markers (default: /var/lib/appstore)
	SystemdDir   string `yaml:"systemdDir,omitempty"`   // unit files (default: /etc/systemd/system)
	InitDir      string `yaml:"initDir,omitempty"`      // OpenRC scripts (default: /etc/init.d)
	KeyringDir   string `yaml:"keyringDir,omitempty"`   // apt signing keys (default: /etc/apt/keyrings)
	SourcesDir   string `yaml:"sourcesDir,omitempty"`   // apt sources (default: /etc/apt/sources.list.d)
	ApkReposFile string `yaml:"apkReposFile,omitempty"` // (default: /etc/apk/repositories)
}

// ACMEConfig configures the external ACME client.
type ACMEConfig struct {
	StagingServer string `yaml:"stagingServer,omitempty"`
	// RenewSchedule is the cron expression used by `cert daemon`.
	RenewSchedule string `yaml:"renewSchedule,omitempty"`
	// DNSResolver is queried by the HTTP-01 preflight (host:port).
	DNSResolver string `yaml:"dnsResolver,omitempty"`
}

// TimeoutsConfig bounds every blocking operation.
type TimeoutsConfig struct {
	Command   time.Duration `yaml:"command,omitempty"`
	Installer time.Duration `yaml:"installer,omitempty"`
	Restart   time.Duration `yaml:"restart,omitempty"`
	Readiness time.Duration `yaml:"readiness,omitempty"`
	ACME      time.Duration `yaml:"acme,omitempty"`
}

// RetryConfig is the bounded backoff applied to network fetches.
type RetryConfig struct {
	Attempts        int           `yaml:"attempts,omitempty"`
	InitialInterval time.Duration `yaml:"initialInterval,omitempty"`
	MaxInterval     time.Duration `yaml:"maxInterval,omitempty"`
}

// MetricsConfig controls the node-exporter textfile export.
type MetricsConfig struct {
	// Textfile is written after every run when set.
	Textfile string `yaml:"textfile,omitempty"`
}

// RegistryConfig configures image pulls without a container runtime.
type RegistryConfig struct {
	// Platform overrides the pulled platform (default: linux/<GOARCH>).
	Platform string `yaml:"platform,omitempty"`
}
