package apps

import (
	"context"
	"strconv"
	"strings"

	"appstore/internal/executil"
	"appstore/internal/inputs"
	"appstore/internal/provision"
)

const piholeSetupVars = "/etc/pihole/setupVars.conf"

type pihole struct{}

type piholeSettings struct {
	Interface        string
	DNS1             string
	DNS2             string
	DNSMasqListening string
	WebPort          int
}

func (pihole) ID() string      { return "pihole" }
func (pihole) Summary() string { return "Network-wide ad blocking DNS server" }

func (pihole) settings(in *inputs.Resolver) (piholeSettings, error) {
	var s piholeSettings
	s.Interface, _ = in.String("interface", "eth0")
	s.DNS1, _ = in.String("dns_1", "8.8.8.8")
	s.DNS2, _ = in.String("dns_2", "8.8.4.4")
	s.DNSMasqListening, _ = in.String("dnsmasq_listening", "local")
	s.WebPort, _ = in.Integer("port_web_interface", 80)
	return s, in.Validate()
}

func (a pihole) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a pihole) Install(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := h.Dirs("/etc/pihole"); err != nil {
		return err
	}
	// the unattended installer reads setupVars.conf instead of prompting
	if _, err := a.writeSetupVars(h, s); err != nil {
		return err
	}
	if !executil.Has(h.Run, "pihole-FTL") {
		if err := h.Acquire.RunShell(ctx, "curl -sSL https://install.pi-hole.net | bash /dev/stdin --unattended"); err != nil {
			return err
		}
	}
	if err := a.Configure(ctx, h); err != nil {
		return err
	}
	return h.Services.Enable(ctx, "pihole-FTL")
}

func (a pihole) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	changed, err := a.writeSetupVars(h, s)
	if err != nil {
		return err
	}

	want := [][2]string{
		// the container follows the host clock
		{"ntp.sync.active", "false"},
	}
	if s.WebPort != 80 {
		want = append(want, [2]string{"webserver.port", strconv.Itoa(s.WebPort)})
	}
	for _, kv := range want {
		c, err := a.setFTL(ctx, h, kv[0], kv[1])
		if err != nil {
			return err
		}
		changed = changed || c
	}

	if changed {
		return h.Services.Restart(ctx, "pihole-FTL")
	}
	return nil
}

// writeSetupVars seeds setupVars.conf for the installer. Pi-hole keeps the
// web password hash and other runtime keys in it, so an existing file only
// gets the owned keys.
func (a pihole) writeSetupVars(h *Host, s piholeSettings) (bool, error) {
	return h.RenderOrMerge(a.ID(), "setupVars.conf", piholeSetupVars, map[string]interface{}{
		"interface":         s.Interface,
		"dns_1":             s.DNS1,
		"dns_2":             s.DNS2,
		"dnsmasq_listening": s.DNSMasqListening,
	}, func(data []byte) ([]byte, bool, error) {
		out, changed := mergeINI(data, []configSetting{
			{Key: "PIHOLE_INTERFACE", Value: s.Interface},
			{Key: "PIHOLE_DNS_1", Value: s.DNS1},
			{Key: "PIHOLE_DNS_2", Value: s.DNS2},
			{Key: "DNSMASQ_LISTENING", Value: s.DNSMasqListening},
		})
		return out, changed, nil
	})
}

// setFTL sets an FTL config key unless it already holds value.
func (a pihole) setFTL(ctx context.Context, h *Host, key, value string) (bool, error) {
	var changed bool
	err := provision.Track(h.Rec, "ftl-config", key, func() (bool, error) {
		current, err := executil.Output(ctx, h.Run, "pihole-FTL", "--config", key)
		if err == nil && strings.TrimSpace(current) == value {
			return false, nil
		}
		if _, err := h.Run.Run(ctx, executil.Command{Name: "pihole-FTL", Args: []string{"--config", key, value}}); err != nil {
			return false, err
		}
		changed = true
		return true, nil
	})
	return changed, err
}
