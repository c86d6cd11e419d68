package certs

import "path/filepath"

// Serving file names inside the keys directory.
const (
	CertFile = "cert.crt"
	KeyFile  = "cert.key"

	currentLink   = ".current"
	lineageFile   = ".lineage"
	selfSignedDir = "selfsigned"
	stagePrefix   = "acme-"
)

// Layout pins every path the manager and the ACME client touch.
type Layout struct {
	// KeysDir holds the serving pair the web server is configured with.
	KeysDir    string
	ConfigDir  string
	LogsDir    string
	WorkDir    string
	DNSConfDir string
	// Certbot is the ACME client binary.
	Certbot       string
	StagingServer string
}

// DefaultLayout returns the paths used by the reverse proxy app.
func DefaultLayout() Layout {
	return Layout{
		KeysDir:       "/config/keys",
		ConfigDir:     "/config/etc/letsencrypt",
		LogsDir:       "/config/log/letsencrypt",
		WorkDir:       "/tmp/letsencrypt",
		DNSConfDir:    "/config/dns-conf",
		Certbot:       "/lsiopy/bin/certbot",
		StagingServer: "https://acme-staging-v02.api.letsencrypt.org/directory",
	}
}

// CertPath is the serving certificate path.
func (l Layout) CertPath() string { return filepath.Join(l.KeysDir, CertFile) }

// KeyPath is the serving key path.
func (l Layout) KeyPath() string { return filepath.Join(l.KeysDir, KeyFile) }

// LineageDir is the certbot live directory for name.
func (l Layout) LineageDir(name string) string {
	return filepath.Join(l.ConfigDir, "live", name)
}
