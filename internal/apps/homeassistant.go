package apps

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/provision"
	"appstore/internal/supervisor"
)

const (
	haHome = "/opt/homeassistant"
	haVenv = haHome + "/venv"
)

type homeAssistant struct{}

type homeAssistantSettings struct {
	Timezone   string
	HTTPPort   int
	ConfigPath string
	MQTT       bool
}

func (homeAssistant) ID() string      { return "homeassistant" }
func (homeAssistant) Summary() string { return "Open source home automation (Home Assistant Core)" }

func (homeAssistant) settings(in *inputs.Resolver) (homeAssistantSettings, error) {
	var s homeAssistantSettings
	s.Timezone, _ = in.String("timezone", "America/New_York")
	s.HTTPPort, _ = in.Integer("http_port", 8123)
	s.ConfigPath, _ = in.String("config_path", haHome+"/config")
	s.MQTT, _ = in.Boolean("enable_mqtt", false)
	if err := in.Validate(); err != nil {
		return s, err
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil || strings.Contains(s.Timezone, "..") {
		return s, provision.NewConfigError("timezone", s.Timezone, "unknown time zone")
	}
	return s, nil
}

func (a homeAssistant) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a homeAssistant) Install(ctx context.Context, h *Host) error {
	err := h.Packages.Install(ctx,
		"python3", "python3-venv", "python3-pip",
		"libffi-dev", "libssl-dev", "libjpeg-dev",
		"zlib1g-dev", "autoconf", "build-essential",
		"libopenjp2-7", "libtiff6",
	)
	if err != nil {
		return err
	}
	if err := h.Files.CreateUser(ctx, fsops.UserSpec{Name: "homeassistant", System: true, Home: haHome}); err != nil {
		return err
	}
	if err := h.Packages.CreateVenv(ctx, h.Path(haVenv)); err != nil {
		return err
	}
	if err := h.Packages.PipInstall(ctx, h.Path(haVenv), "homeassistant"); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a homeAssistant) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := a.setTimezone(ctx, h, s.Timezone); err != nil {
		return err
	}
	if err := h.Dirs(s.ConfigPath); err != nil {
		return err
	}
	// configuration.yaml is the user's to edit after the first install
	changed, err := h.RenderOrMerge(a.ID(), "configuration.yaml", s.ConfigPath+"/configuration.yaml", map[string]interface{}{
		"timezone":    s.Timezone,
		"http_port":   s.HTTPPort,
		"enable_mqtt": s.MQTT,
	}, func(data []byte) ([]byte, bool, error) {
		return mergeYAML(data, func(root *yaml.Node) bool {
			return mergeHomeAssistantConfig(root, s)
		})
	})
	if err != nil {
		return err
	}
	// included files must exist or hass refuses the config
	for _, f := range []string{"automations.yaml", "scripts.yaml", "scenes.yaml"} {
		if err := h.Files.Touch(h.Path(s.ConfigPath+"/"+f), 0644); err != nil {
			return err
		}
	}
	if err := h.Dirs(s.ConfigPath + "/themes"); err != nil {
		return err
	}

	if s.MQTT {
		if err := h.Packages.Install(ctx, "mosquitto", "mosquitto-clients"); err != nil {
			return err
		}
		if err := h.Services.Enable(ctx, "mosquitto"); err != nil {
			return err
		}
	}

	for _, p := range []string{haHome, s.ConfigPath} {
		if err := h.Files.Chown(h.Path(p), "homeassistant:homeassistant", true); err != nil {
			return err
		}
	}

	return h.Converge(ctx, supervisor.Unit{
		Name:             "homeassistant",
		Description:      "Home Assistant Core",
		ExecStart:        fmt.Sprintf("%s/bin/hass -c %s", haVenv, s.ConfigPath),
		User:             "homeassistant",
		WorkingDirectory: haHome,
		Environment: map[string]string{
			"PATH": haVenv + "/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
		Restart:    "on-failure",
		RestartSec: 10 * time.Second,
	}, changed)
}

// mergeHomeAssistantConfig applies the owned keys to a parsed
// configuration.yaml. An existing mqtt block is never touched.
func mergeHomeAssistantConfig(root *yaml.Node, s homeAssistantSettings) bool {
	changed := yamlSet(root, []string{"homeassistant", "time_zone"}, s.Timezone, "!!str")
	changed = yamlSet(root, []string{"http", "server_port"}, strconv.Itoa(s.HTTPPort), "!!int") || changed
	if s.MQTT && !yamlHas(root, "mqtt") {
		yamlSet(root, []string{"mqtt", "broker"}, "127.0.0.1", "!!str")
		yamlSet(root, []string{"mqtt", "port"}, "1883", "!!int")
		changed = true
	}
	return changed
}

func (a homeAssistant) setTimezone(ctx context.Context, h *Host, tz string) error {
	if err := h.Files.Symlink("/usr/share/zoneinfo/"+tz, h.Path("/etc/localtime")); err != nil {
		return err
	}
	changed, err := h.WriteFile("/etc/timezone", []byte(tz+"\n"), 0644)
	if err != nil {
		return err
	}
	if changed && h.Packages.Kind() == pkgmgr.Apt {
		return h.Exec(ctx, "dpkg-reconfigure", "-f", "noninteractive", "tzdata")
	}
	return nil
}
