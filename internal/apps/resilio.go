package apps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tidwall/jsonc"

	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/pkg/logging"
)

const resilioConfig = "/etc/resilio-sync/config.json"

type resilioSync struct{}

type resilioSettings struct {
	BindAddress   string
	WebUIPort     int
	ListeningPort int
}

func (resilioSync) ID() string      { return "resilio-sync" }
func (resilioSync) Summary() string { return "Peer-to-peer file synchronization" }

func (resilioSync) settings(in *inputs.Resolver) (resilioSettings, error) {
	var s resilioSettings
	s.BindAddress, _ = in.String("bind_address", "0.0.0.0")
	s.WebUIPort, _ = in.Integer("webui_port", 8888)
	s.ListeningPort, _ = in.Integer("listening_port", 55555)
	return s, in.Validate()
}

func (a resilioSync) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a resilioSync) Install(ctx context.Context, h *Host) error {
	err := h.Packages.AddRepository(ctx, pkgmgr.Repository{
		Name:       "resilio-sync",
		URL:        "https://linux-packages.resilio.com/resilio-sync/deb",
		Suite:      "resilio-sync",
		Components: []string{"non-free"},
		KeyURL:     "https://linux-packages.resilio.com/resilio-sync/key.asc",
	})
	if err != nil {
		return err
	}
	if err := h.Packages.Install(ctx, "resilio-sync"); err != nil {
		return err
	}
	if err := h.Dirs("/config", "/sync"); err != nil {
		return err
	}
	// the package creates rslsync; data dirs are handed over once they exist
	for _, d := range []string{"/config", "/sync"} {
		if err := h.Files.Chown(h.Path(d), "rslsync:rslsync", true); err != nil {
			return err
		}
	}
	if err := a.Configure(ctx, h); err != nil {
		return err
	}
	return h.Services.Enable(ctx, "resilio-sync")
}

// Configure merges the inputs into the existing config.json. Keys the
// inputs do not own (shared folders, secrets, peers) are kept as they are.
func (a resilioSync) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	conf, err := readResilioConfig(h.Path(resilioConfig))
	if err != nil {
		return err
	}
	mergeResilioConfig(conf, s)

	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", resilioConfig, err)
	}
	changed, err := h.WriteFile(resilioConfig, append(data, '\n'), 0644)
	if err != nil {
		return err
	}
	logging.Info(subsystem, "Resilio Sync listens on %s:%d, sync port %d", s.BindAddress, s.WebUIPort, s.ListeningPort)

	active, _ := h.Services.IsActive(ctx, "resilio-sync")
	if changed && active {
		if err := h.Services.Restart(ctx, "resilio-sync"); err != nil {
			return err
		}
		h.WaitForTCP(ctx, fmt.Sprintf("127.0.0.1:%d", s.ListeningPort), 0)
	}
	return nil
}

// readResilioConfig loads path, tolerating comments and trailing commas. A
// missing or unparseable file starts from an empty config.
func readResilioConfig(path string) (map[string]interface{}, error) {
	conf := map[string]interface{}{}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return conf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), &conf); err != nil {
		logging.Warn(subsystem, "%s is not valid JSON, starting from an empty config: %v", path, err)
		return map[string]interface{}{}, nil
	}
	return conf, nil
}

func mergeResilioConfig(conf map[string]interface{}, s resilioSettings) {
	conf["storage_path"] = "/config"
	conf["listening_port"] = s.ListeningPort
	if _, ok := conf["directory_root"]; !ok {
		conf["directory_root"] = "/sync"
	}
	if _, ok := conf["use_upnp"]; !ok {
		conf["use_upnp"] = false
	}
	webui, _ := conf["webui"].(map[string]interface{})
	if webui == nil {
		webui = map[string]interface{}{}
	}
	webui["listen"] = fmt.Sprintf("%s:%d", s.BindAddress, s.WebUIPort)
	conf["webui"] = webui
}
