package apps

import (
	"context"
	"sort"

	"appstore/internal/certs"
	"appstore/internal/inputs"
)

const subsystem = "Apps"

// App is the strategy for deploying one application.
type App interface {
	// ID is the registry key, e.g. "ollama".
	ID() string
	// Summary is a one-line description.
	Summary() string
	// ResolveInputs resolves every input the app reads so that type errors
	// surface before anything on the host is touched.
	ResolveInputs(in *inputs.Resolver) error
	// Install runs once against an empty host.
	Install(ctx context.Context, h *Host) error
	// Configure converges an installed app to its inputs. It is safe to run
	// any number of times.
	Configure(ctx context.Context, h *Host) error
}

// CertificateApp is an App that terminates TLS with a managed
// certificate.
type CertificateApp interface {
	App
	CertLayout(h *Host) certs.Layout
	CertRequest(in *inputs.Resolver) (certs.Request, error)
	// ReloadService is restarted after the serving pair was swapped.
	ReloadService() string
}

// registry is populated once and never modified.
var registry = func() map[string]App {
	m := map[string]App{}
	for _, a := range []App{
		crawl4ai{},
		gitlab{},
		gluetun{},
		helloWorld{},
		homeAssistant{},
		jellyfin{},
		nginx{},
		ollama{},
		pihole{},
		plex{},
		qbittorrent{},
		resilioSync{},
		swag{},
	} {
		m[a.ID()] = a
	}
	return m
}()

// Lookup returns the app registered under id.
func Lookup(id string) (App, bool) {
	a, ok := registry[id]
	return a, ok
}

// List returns all registered apps sorted by id.
func List() []App {
	out := make([]App, 0, len(registry))
	for _, a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
