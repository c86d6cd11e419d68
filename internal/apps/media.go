package apps

import (
	"context"
	"fmt"
	"html"
	"os"
	"strconv"

	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/provision"
	"appstore/internal/supervisor"
	"appstore/pkg/logging"
)

const (
	jellyfinInstaller    = "https://repo.jellyfin.org/install-debuntu.sh"
	jellyfinConfigDir    = "/etc/jellyfin"
	jellyfinDefaultCache = "/var/cache/jellyfin"

	plexPrefsDir = "/var/lib/plexmediaserver/Library/Application Support/Plex Media Server"
)

type jellyfin struct{}

type jellyfinSettings struct {
	MediaPath        string
	HTTPPort         int
	CachePath        string
	TranscodeThreads int
	HWAccel          string
}

func (jellyfin) ID() string      { return "jellyfin" }
func (jellyfin) Summary() string { return "Free software media system" }

func (jellyfin) settings(in *inputs.Resolver) (jellyfinSettings, error) {
	var s jellyfinSettings
	s.MediaPath, _ = in.String("media_path", "/mnt/media")
	s.HTTPPort, _ = in.Integer("http_port", 8096)
	s.CachePath, _ = in.String("cache_path", jellyfinDefaultCache)
	s.TranscodeThreads, _ = in.Integer("transcode_threads", 0)
	s.HWAccel, _ = in.String("hw_accel", "none")
	if err := in.Validate(); err != nil {
		return s, err
	}
	switch s.HWAccel {
	case "none", "qsv", "nvenc":
	default:
		return s, provision.NewConfigError("hw_accel", s.HWAccel, "must be none, qsv or nvenc")
	}
	return s, nil
}

func (a jellyfin) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a jellyfin) Install(ctx context.Context, h *Host) error {
	if err := h.Packages.Install(ctx, "curl", "gnupg"); err != nil {
		return err
	}
	if h.Packages.Installed(ctx, "jellyfin") {
		logging.Info(subsystem, "jellyfin is already installed, skipping the vendor installer")
	} else if err := h.Acquire.RunInstallerScript(ctx, jellyfinInstaller); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a jellyfin) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := h.Dirs(s.MediaPath, jellyfinConfigDir); err != nil {
		return err
	}
	if err := h.Files.CreateDir(h.Path(s.CachePath), 0755, "jellyfin:jellyfin"); err != nil {
		return err
	}
	changed := false

	// Jellyfin saves settings changed in the dashboard into these files
	network := jellyfinConfigDir + "/network.xml"
	if _, err := os.Stat(h.Path(network)); s.HTTPPort != 8096 || err == nil {
		port := strconv.Itoa(s.HTTPPort)
		c, err := h.RenderOrMerge(a.ID(), "network.xml", network, map[string]interface{}{
			"http_port": s.HTTPPort,
		}, func(data []byte) ([]byte, bool, error) {
			return setXMLElements(data, []configSetting{
				{Key: "InternalHttpPort", Value: port},
				{Key: "PublicHttpPort", Value: port},
			})
		})
		if err != nil {
			return err
		}
		if err := h.Files.Chown(h.Path(network), "jellyfin:jellyfin", false); err != nil {
			return err
		}
		changed = changed || c
	}

	if s.HWAccel != "none" {
		encoding := jellyfinConfigDir + "/encoding.xml"
		c, err := h.RenderOrMerge(a.ID(), "encoding-"+s.HWAccel+".xml", encoding, map[string]interface{}{}, func(data []byte) ([]byte, bool, error) {
			return setXMLElements(data, jellyfinEncoding(s.HWAccel))
		})
		if err != nil {
			return err
		}
		if err := h.Files.Chown(h.Path(encoding), "jellyfin:jellyfin", false); err != nil {
			return err
		}
		changed = changed || c
		if s.HWAccel == "qsv" {
			// /dev/dri access
			if err := h.Files.CreateUser(ctx, fsops.UserSpec{Name: "jellyfin", System: true, Groups: []string{"render", "video"}}); err != nil {
				return err
			}
		}
		logging.Info(subsystem, "Hardware acceleration %s configured", s.HWAccel)
	}

	env := map[string]string{}
	if s.CachePath != jellyfinDefaultCache {
		env["JELLYFIN_CACHE_DIR"] = s.CachePath
	}
	if s.TranscodeThreads > 0 {
		env["JELLYFIN_FFMPEG_THREADS"] = fmt.Sprint(s.TranscodeThreads)
	}
	if len(env) > 0 {
		c, err := h.Services.WriteOverride(ctx, "jellyfin", supervisor.Override{Environment: env})
		if err != nil {
			return err
		}
		changed = changed || c
	}

	if err := h.Services.Enable(ctx, "jellyfin"); err != nil {
		return err
	}
	if changed {
		return h.Services.Restart(ctx, "jellyfin")
	}
	return nil
}

// jellyfinEncoding are the encoding.xml elements appstore owns for accel.
// The codec list is only seeded.
func jellyfinEncoding(accel string) []configSetting {
	out := []configSetting{
		{Key: "HardwareAccelerationType", Value: accel},
		{Key: "EnableHardwareEncoding", Value: "true"},
		{Key: "HardwareDecodingCodecs", Value: "\n    <string>h264</string>\n    <string>hevc</string>\n  ", Default: true},
	}
	if accel == "qsv" {
		out = append(out, configSetting{Key: "QsvDevice", Value: "/dev/dri/renderD128", Default: true})
	}
	return out
}

type plex struct{}

type plexSettings struct {
	MediaPath     string
	TranscodePath string
	HTTPPort      int
	FriendlyName  string
	ClaimToken    string
}

func (plex) ID() string      { return "plex" }
func (plex) Summary() string { return "Plex Media Server" }

func (plex) settings(in *inputs.Resolver) (plexSettings, error) {
	var s plexSettings
	s.MediaPath, _ = in.String("media_path", "/mnt/media")
	s.TranscodePath, _ = in.String("transcode_path", "/tmp/plex-transcode")
	s.HTTPPort, _ = in.Integer("http_port", 32400)
	s.FriendlyName, _ = in.String("friendly_name", "Proxmox Plex")
	s.ClaimToken, _ = in.String("claim_token", "")
	return s, in.Validate()
}

func (a plex) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a plex) Install(ctx context.Context, h *Host) error {
	err := h.Packages.AddRepository(ctx, pkgmgr.Repository{
		Name:       "plexmediaserver",
		URL:        "https://downloads.plex.tv/repo/deb",
		Suite:      "public",
		Components: []string{"main"},
		KeyURL:     "https://downloads.plex.tv/plex-keys/PlexSign.key",
	})
	if err != nil {
		return err
	}
	if err := h.Packages.Install(ctx, "plexmediaserver"); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a plex) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := h.Dirs(s.MediaPath, plexPrefsDir); err != nil {
		return err
	}
	if err := h.Files.CreateDir(h.Path(s.TranscodePath), 0755, "plex:plex"); err != nil {
		return err
	}

	claim := ""
	if s.ClaimToken != "" {
		claim = fmt.Sprintf(` ProcessedMachineIdentifier="" PlexOnlineToken="%s"`, html.EscapeString(s.ClaimToken))
		logging.Info(subsystem, "Claim token provided; the server will be linked to your Plex account")
	}
	// Plex stores its identity and account token in Preferences.xml
	changed, err := h.RenderOrMerge(a.ID(), "Preferences.xml", plexPrefsDir+"/Preferences.xml", map[string]interface{}{
		"friendly_name":  html.EscapeString(s.FriendlyName),
		"http_port":      s.HTTPPort,
		"transcode_path": html.EscapeString(s.TranscodePath),
		"claim_attr":     claim,
	}, func(data []byte) ([]byte, bool, error) {
		return setXMLAttrs(data, "Preferences", plexPreferences(s))
	})
	if err != nil {
		return err
	}
	if err := h.Files.Chown(h.Path("/var/lib/plexmediaserver"), "plex:plex", true); err != nil {
		return err
	}

	if err := h.Services.Enable(ctx, "plexmediaserver"); err != nil {
		return err
	}
	active, _ := h.Services.IsActive(ctx, "plexmediaserver")
	if changed && active {
		return h.Services.Restart(ctx, "plexmediaserver")
	}
	return nil
}

// plexPreferences are the Preferences attributes appstore owns. A claim
// token only links a server that is not linked yet.
func plexPreferences(s plexSettings) []configSetting {
	out := []configSetting{
		{Key: "FriendlyName", Value: html.EscapeString(s.FriendlyName)},
		{Key: "ManualPortMappingPort", Value: strconv.Itoa(s.HTTPPort)},
		{Key: "TranscoderTempDirectory", Value: html.EscapeString(s.TranscodePath)},
		{Key: "AcceptedEULA", Value: "1", Default: true},
		{Key: "PublishServerOnPlexOnlineKey", Value: "1", Default: true},
	}
	if s.ClaimToken != "" {
		out = append(out, configSetting{Key: "PlexOnlineToken", Value: html.EscapeString(s.ClaimToken), Default: true})
	}
	return out
}
