package certs

import (
	"fmt"
	"sort"
	"strings"

	"appstore/internal/provision"
)

// Validation is the ACME challenge type used to prove domain control.
type Validation string

const (
	HTTP01 Validation = "http"
	DNS01  Validation = "dns"
)

// dnsPlugins lists the certbot DNS authenticators installed alongside the
// client.
var dnsPlugins = map[string]bool{
	"acmedns": true, "aliyun": true, "azure": true, "bunny": true,
	"cloudflare": true, "cpanel": true, "desec": true, "digitalocean": true,
	"directadmin": true, "dnsimple": true, "dnsmadeeasy": true, "dnspod": true,
	"do": true, "domeneshop": true, "dreamhost": true, "duckdns": true,
	"dynudns": true, "freedns": true, "gandi": true, "gehirn": true,
	"glesys": true, "godaddy": true, "google": true, "he": true,
	"hetzner": true, "infomaniak": true, "inwx": true, "ionos": true,
	"linode": true, "loopia": true, "luadns": true, "namecheap": true,
	"netcup": true, "njalla": true, "nsone": true, "ovh": true,
	"porkbun": true, "rfc2136": true, "route53": true, "sakuracloud": true,
	"standalone": true, "transip": true, "vultr": true,
}

// DNSPlugins returns the supported DNS plugin names, sorted.
func DNSPlugins() []string {
	out := make([]string, 0, len(dnsPlugins))
	for p := range dnsPlugins {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Request describes the certificate an application wants.
type Request struct {
	// Domain is the primary domain. Empty means no certificate is requested.
	Domain string
	// Subdomains is "wildcard" or a comma separated list of labels.
	Subdomains     string
	OnlySubdomains bool
	// ExtraDomains is a comma separated list of additional names.
	ExtraDomains string
	Email        string
	Validation   Validation
	DNSPlugin    string
	Staging      bool
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DomainList returns the names to put on the certificate: the primary
// domain unless only subdomains are wanted, then "*.domain" for wildcard or
// each subdomain, then the extra domains.
func DomainList(r Request) []string {
	var domains []string
	if r.Domain == "" {
		return nil
	}
	if !r.OnlySubdomains {
		domains = append(domains, r.Domain)
	}
	if r.Subdomains == "wildcard" {
		domains = append(domains, "*."+r.Domain)
	} else {
		for _, sub := range splitList(r.Subdomains) {
			domains = append(domains, sub+"."+r.Domain)
		}
	}
	return append(domains, splitList(r.ExtraDomains)...)
}

// LineageName returns the directory name certbot gives the certificate
// under live/. It matches certbot's rule: the first -d argument.
func LineageName(r Request) string {
	if r.OnlySubdomains && r.Subdomains != "wildcard" {
		if subs := splitList(r.Subdomains); len(subs) > 0 {
			return subs[0] + "." + r.Domain
		}
	}
	return r.Domain
}

// Validate checks the request before anything is run.
func (r Request) Validate() error {
	switch r.Validation {
	case "", HTTP01:
	case DNS01:
		if !dnsPlugins[r.DNSPlugin] {
			return provision.NewConfigError("dnsplugin", r.DNSPlugin, "unknown DNS plugin")
		}
	default:
		return provision.NewConfigError("validation", string(r.Validation), "must be http or dns")
	}
	if strings.ContainsAny(r.Domain, " /") {
		return provision.NewConfigError("url", r.Domain, "invalid domain")
	}
	return nil
}

// CertbotArgs builds the certonly invocation for r.
func CertbotArgs(r Request, l Layout) []string {
	args := []string{
		"certonly",
		"--config-dir", l.ConfigDir,
		"--logs-dir", l.LogsDir,
		"--work-dir", l.WorkDir,
		"--non-interactive",
		"--agree-tos",
		"--renew-by-default",
	}
	for _, d := range DomainList(r) {
		args = append(args, "-d", d)
	}
	if strings.Contains(r.Email, "@") {
		args = append(args, "--email", r.Email, "--no-eff-email")
	} else {
		args = append(args, "--register-unsafely-without-email")
	}
	if r.Staging {
		args = append(args, "--server", l.StagingServer)
	}
	if r.Validation == DNS01 {
		plugin := "dns-" + r.DNSPlugin
		args = append(args, "--authenticator", plugin, "--preferred-challenges", "dns")
		if cred := CredentialFile(r, l); cred != "" {
			args = append(args, "--"+plugin+"-credentials", cred)
		}
	} else {
		args = append(args, "--authenticator", "standalone", "--preferred-challenges", "http")
	}
	return args
}

// CredentialFile returns the DNS plugin credential path for r, or "" when
// the plugin takes none.
func CredentialFile(r Request, l Layout) string {
	if r.Validation != DNS01 || r.DNSPlugin == "route53" || r.DNSPlugin == "standalone" {
		return ""
	}
	ext := "ini"
	if r.DNSPlugin == "google" {
		ext = "json"
	}
	return fmt.Sprintf("%s/%s.%s", l.DNSConfDir, r.DNSPlugin, ext)
}

// RenewArgs builds the renew invocation that renews every due lineage.
func RenewArgs(l Layout) []string {
	return []string{
		"renew",
		"--config-dir", l.ConfigDir,
		"--logs-dir", l.LogsDir,
		"--work-dir", l.WorkDir,
		"--non-interactive",
	}
}
