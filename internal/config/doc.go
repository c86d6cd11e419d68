// Package config provides the engine configuration for appstore.
//
// Configuration is a single YAML file, /etc/appstore/config.yaml by default
// (overridable with the --config flag). Every key is optional: LoadConfig
// starts from GetDefaultConfig and overlays whatever the file sets, and a
// missing file simply yields the defaults.
//
// # File Format
//
//	paths:
//	  stateDir: /var/lib/appstore
//	  systemdDir: /etc/systemd/system
//	acme:
//	  stagingServer: https://acme-staging-v02.api.letsencrypt.org/directory
//	  renewSchedule: "17 3,15 * * *"
//	  dnsResolver: 1.1.1.1:53
//	timeouts:
//	  command: 10m
//	  restart: 90s
//	  readiness: 2m
//	retry:
//	  attempts: 3
//	  initialInterval: 2s
//	  maxInterval: 30s
//	metrics:
//	  textfile: /var/lib/node_exporter/textfile_collector/appstore.prom
//
// # Validation
//
// Validate collects every problem into ValidationErrors instead of stopping
// at the first one, so a broken file is reported in full.
package config
