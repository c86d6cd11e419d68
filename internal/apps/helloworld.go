package apps

import (
	"context"

	"appstore/internal/inputs"
)

type helloWorld struct{}

type helloWorldSettings struct {
	Greeting string
	Subtitle string
	HTTPPort int
	BgColor  string
}

func (helloWorld) ID() string      { return "hello-world" }
func (helloWorld) Summary() string { return "Static nginx page to verify the app store works" }

func (helloWorld) settings(in *inputs.Resolver) (helloWorldSettings, error) {
	var s helloWorldSettings
	s.Greeting, _ = in.String("greeting", "Hello from Proxmox!")
	s.Subtitle, _ = in.String("subtitle", "Your PVE App Store is working correctly.")
	s.HTTPPort, _ = in.Integer("http_port", 80)
	s.BgColor, _ = in.String("bg_color", "#1a1a2e")
	return s, in.Validate()
}

func (a helloWorld) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a helloWorld) Install(ctx context.Context, h *Host) error {
	if err := h.Packages.Install(ctx, "nginx"); err != nil {
		return err
	}
	if _, err := a.render(h); err != nil {
		return err
	}
	return h.Services.Enable(ctx, "nginx")
}

func (a helloWorld) Configure(ctx context.Context, h *Host) error {
	changed, err := a.render(h)
	if err != nil {
		return err
	}
	if err := h.Services.Enable(ctx, "nginx"); err != nil {
		return err
	}
	if changed {
		return h.Services.Restart(ctx, "nginx")
	}
	return nil
}

func (a helloWorld) render(h *Host) (bool, error) {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return false, err
	}
	page, err := h.Render(a.ID(), "index.html", "/var/www/html/index.html", map[string]interface{}{
		"greeting": s.Greeting,
		"subtitle": s.Subtitle,
		"bg_color": s.BgColor,
	})
	if err != nil {
		return false, err
	}
	// the packaged site already listens on 80
	if s.HTTPPort == 80 {
		return page, nil
	}
	site, err := h.Render(a.ID(), "default.conf", "/etc/nginx/sites-available/default", map[string]interface{}{
		"http_port": s.HTTPPort,
	})
	return page || site, err
}
