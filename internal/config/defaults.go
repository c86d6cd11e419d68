package config

import "time"

const (
	// DefaultStagingServer is the Let's Encrypt staging directory.
	DefaultStagingServer = "https://acme-staging-v02.api.letsencrypt.org/directory"

	// DefaultRenewSchedule runs renewal twice a day at a fixed minute.
	DefaultRenewSchedule = "17 3,15 * * *"
)

// GetDefaultConfig returns the configuration used when no file exists.
func GetDefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			StateDir:     "/var/lib/appstore",
			SystemdDir:   "/etc/systemd/system",
			InitDir:      "/etc/init.d",
			KeyringDir:   "/etc/apt/keyrings",
			SourcesDir:   "/etc/apt/sources.list.d",
			ApkReposFile: "/etc/apk/repositories",
		},
		ACME: ACMEConfig{
			StagingServer: DefaultStagingServer,
			RenewSchedule: DefaultRenewSchedule,
			DNSResolver:   "1.1.1.1:53",
		},
		Timeouts: TimeoutsConfig{
			Command:   10 * time.Minute,
			Installer: 30 * time.Minute,
			Restart:   90 * time.Second,
			Readiness: 2 * time.Minute,
			ACME:      5 * time.Minute,
		},
		Retry: RetryConfig{
			Attempts:        3,
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
		},
	}
}
