package apps

import (
	"context"
	"fmt"
	"os"
	"time"

	"appstore/internal/acquire"
	"appstore/internal/envfile"
	"appstore/internal/inputs"
	"appstore/internal/provision"
	"appstore/internal/supervisor"
	"appstore/pkg/logging"
)

const (
	gluetunImage  = "qmcgaw/gluetun"
	gluetunBinary = "/gluetun-entrypoint"
	gluetunEnv    = "/etc/gluetun/env"
	gluetunHealth = "http://127.0.0.1:8000/v1/publicip/ip"
)

// gluetunProtectedKeys guard the kill switch, DNS leak prevention and the
// firewall. User supplied extra environment can never override them.
var gluetunProtectedKeys = []string{
	"DNS_SERVER",
	"DNS_KEEP_NAMESERVER",
	"DNS_ADDRESS",
	"DNS_UPSTREAM_RESOLVER_TYPE",
	"FIREWALL_OUTBOUND_SUBNETS",
}

func gluetunSecurityDefaults() envfile.Map {
	return envfile.Map{
		"DNS_SERVER":                 "on",
		"DNS_UPSTREAM_RESOLVER_TYPE": "dot",
		"DNS_UPSTREAM_RESOLVERS":     "cloudflare",
		"DNS_KEEP_NAMESERVER":        "off",
		"BLOCK_MALICIOUS":            "on",
		"PPROF_ENABLED":              "no",
		"PPROF_BLOCK_PROFILE_RATE":   "0",
		"PPROF_MUTEX_PROFILE_RATE":   "0",
	}
}

type gluetun struct{}

type gluetunSettings struct {
	Provider       string
	VPNType        string
	PortForwarding bool

	OpenVPNUser     string
	OpenVPNPassword string

	WireguardPrivateKey   string
	WireguardAddresses    string
	WireguardPresharedKey string
	WireguardKeepalive    string

	ServerCountries string
	ServerRegions   string
	ServerCities    string
	ServerHostnames string

	HTTPProxy       bool
	HTTPProxyPort   int
	Shadowsocks     bool
	ShadowsocksPort int

	Timezone      string
	UpdaterPeriod string
	FirewallPorts string
	ExtraEnv      string
	// ReadyTimeout in seconds; 0 skips the wait for the tunnel.
	ReadyTimeout int
}

func (gluetun) ID() string      { return "gluetun" }
func (gluetun) Summary() string { return "Multi-provider VPN client with proxy servers and kill switch" }

func (gluetun) settings(in *inputs.Resolver) (gluetunSettings, error) {
	var s gluetunSettings
	s.Provider, _ = in.String("vpn_provider", "")
	s.VPNType, _ = in.String("vpn_type", "wireguard")
	s.PortForwarding, _ = in.Boolean("vpn_port_forwarding", false)
	s.OpenVPNUser, _ = in.String("openvpn_user", "")
	s.OpenVPNPassword, _ = in.String("openvpn_password", "")
	s.WireguardPrivateKey, _ = in.String("wireguard_private_key", "")
	s.WireguardAddresses, _ = in.String("wireguard_addresses", "")
	s.WireguardPresharedKey, _ = in.String("wireguard_preshared_key", "")
	s.WireguardKeepalive, _ = in.String("wireguard_keepalive", "")
	s.ServerCountries, _ = in.String("server_countries", "")
	s.ServerRegions, _ = in.String("server_regions", "")
	s.ServerCities, _ = in.String("server_cities", "")
	s.ServerHostnames, _ = in.String("server_hostnames", "")
	s.HTTPProxy, _ = in.Boolean("httpproxy", true)
	s.HTTPProxyPort, _ = in.Integer("httpproxy_port", 8888)
	s.Shadowsocks, _ = in.Boolean("shadowsocks", false)
	s.ShadowsocksPort, _ = in.Integer("shadowsocks_port", 8388)
	s.Timezone, _ = in.String("timezone", "")
	s.UpdaterPeriod, _ = in.String("updater_period", "24h")
	s.FirewallPorts, _ = in.String("firewall_vpn_input_ports", "")
	s.ExtraEnv, _ = in.String("extra_env", "")
	s.ReadyTimeout, _ = in.Integer("ready_timeout", 60)
	if err := in.Validate(); err != nil {
		return s, err
	}
	switch s.VPNType {
	case "wireguard", "openvpn":
	default:
		return s, provision.NewConfigError("vpn_type", s.VPNType, "must be wireguard or openvpn")
	}
	return s, nil
}

func (a gluetun) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

// gluetunEnvironment composes the environment: security defaults, then the
// structured inputs, then the free-form extra_env lines.
func gluetunEnvironment(s gluetunSettings) *envfile.Builder {
	b := envfile.NewBuilder(gluetunSecurityDefaults(), gluetunProtectedKeys...)
	b.Set("VPN_SERVICE_PROVIDER", s.Provider).
		Set("VPN_TYPE", s.VPNType)
	if s.PortForwarding {
		b.Set("VPN_PORT_FORWARDING", "on")
	}
	b.Set("OPENVPN_USER", s.OpenVPNUser).
		Set("OPENVPN_PASSWORD", s.OpenVPNPassword).
		Set("WIREGUARD_PRIVATE_KEY", s.WireguardPrivateKey).
		Set("WIREGUARD_ADDRESSES", s.WireguardAddresses).
		Set("WIREGUARD_PRESHARED_KEY", s.WireguardPresharedKey).
		SetIf("WIREGUARD_PERSISTENT_KEEPALIVE_INTERVAL", s.WireguardKeepalive).
		SetIf("SERVER_COUNTRIES", s.ServerCountries).
		SetIf("SERVER_REGIONS", s.ServerRegions).
		SetIf("SERVER_CITIES", s.ServerCities).
		SetIf("SERVER_HOSTNAMES", s.ServerHostnames)

	if s.HTTPProxy {
		b.Set("HTTPPROXY", "on").Set("HTTPPROXY_LISTENING_ADDRESS", fmt.Sprintf(":%d", s.HTTPProxyPort))
	} else {
		b.Set("HTTPPROXY", "off")
	}
	if s.Shadowsocks {
		b.Set("SHADOWSOCKS", "on").Set("SHADOWSOCKS_LISTENING_ADDRESS", fmt.Sprintf(":%d", s.ShadowsocksPort))
	} else {
		b.Set("SHADOWSOCKS", "off")
	}

	b.SetIf("TZ", s.Timezone).
		SetIf("UPDATER_PERIOD", s.UpdaterPeriod).
		SetIf("FIREWALL_VPN_INPUT_PORTS", s.FirewallPorts)

	return b.MergeFreeForm(s.ExtraEnv)
}

func (a gluetun) Install(ctx context.Context, h *Host) error {
	if _, err := a.settings(h.Inputs); err != nil {
		return err
	}
	if err := h.Packages.Install(ctx, "openvpn", "wireguard-tools", "iptables", "ca-certificates", "kmod", "curl", "jq"); err != nil {
		return err
	}
	if err := a.disableIPv6(ctx, h); err != nil {
		return err
	}
	if _, err := os.Stat("/dev/net/tun"); err != nil {
		logging.Warn(subsystem, "/dev/net/tun not found; pass it into the container before starting gluetun")
	}

	if err := h.Acquire.PullBinary(ctx, gluetunImage, h.Path(gluetunBinary), acquire.PullOptions{}); err != nil {
		return err
	}

	// gluetun is built for Alpine and checks for it at start
	if _, err := h.WriteFile("/etc/alpine-release", []byte("3.20.0\n"), 0644); err != nil {
		return err
	}
	if err := h.Files.Symlink("/usr/sbin/openvpn", h.Path("/usr/sbin/openvpn2.6")); err != nil {
		return err
	}
	if err := h.Dirs("/gluetun", "/tmp/gluetun", "/etc/gluetun"); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a gluetun) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	b := gluetunEnvironment(s)
	for _, d := range b.Diagnostics() {
		logging.Warn(subsystem, "Ignoring extra_env %v", d)
	}
	env := b.Build()
	data, err := envfile.Encode(env)
	if err != nil {
		return err
	}
	envChanged := !provision.SameContent(h.Path(gluetunEnv), data, envfile.FileMode)
	if err := envfile.WriteFile(h.Rec, h.Path(gluetunEnv), env); err != nil {
		return err
	}
	if err := h.Deploy(a.ID(), "start.sh", "/etc/gluetun/start.sh", 0755); err != nil {
		return err
	}

	err = h.Converge(ctx, supervisor.Unit{
		Name:         "gluetun",
		Description:  "Gluetun VPN Client",
		ExecStart:    "/etc/gluetun/start.sh",
		Capabilities: []string{"CAP_NET_ADMIN", "CAP_NET_RAW", "CAP_NET_BIND_SERVICE"},
	}, envChanged)
	if err != nil {
		return err
	}

	if s.ReadyTimeout > 0 && h.WaitForHTTP(ctx, gluetunHealth, time.Duration(s.ReadyTimeout)*time.Second) {
		logging.Info(subsystem, "VPN tunnel is up")
		// the proxies only listen once the tunnel is up
		for _, addr := range gluetunProxies(s) {
			h.WaitForTCP(ctx, addr, 10*time.Second)
		}
	}
	return nil
}

// gluetunProxies are the local addresses of the enabled proxy servers.
func gluetunProxies(s gluetunSettings) []string {
	var out []string
	if s.HTTPProxy {
		out = append(out, fmt.Sprintf("127.0.0.1:%d", s.HTTPProxyPort))
	}
	if s.Shadowsocks {
		out = append(out, fmt.Sprintf("127.0.0.1:%d", s.ShadowsocksPort))
	}
	return out
}

// disableIPv6 keeps traffic from leaking outside the tunnel.
func (a gluetun) disableIPv6(ctx context.Context, h *Host) error {
	conf := []byte("net.ipv6.conf.all.disable_ipv6 = 1\nnet.ipv6.conf.default.disable_ipv6 = 1\nnet.ipv6.conf.lo.disable_ipv6 = 1\n")
	changed, err := h.WriteFile("/etc/sysctl.d/99-appstore-disable-ipv6.conf", conf, 0644)
	if err != nil {
		return err
	}
	if changed {
		// unprivileged containers cannot write these keys
		h.TryExec(ctx, "sysctl", "-p", h.Path("/etc/sysctl.d/99-appstore-disable-ipv6.conf"))
	}
	return nil
}
