package apps

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/supervisor"
	"appstore/pkg/logging"
)

const (
	qbtHome      = "/var/lib/qbittorrent"
	qbtConfigDir = qbtHome + "/.config/qBittorrent"
	qbtConfig    = qbtConfigDir + "/qBittorrent.conf"

	qbtIterations = 100000
	qbtKeyLen     = 64
)

var qbtHashRe = regexp.MustCompile(`WebUI\\Password_PBKDF2="?(@ByteArray\([^)]*\))"?`)

type qbittorrent struct{}

type qbittorrentSettings struct {
	WebUIPort    string
	TorrentPort  string
	DownloadPath string
	Password     string
}

func (qbittorrent) ID() string      { return "qbittorrent" }
func (qbittorrent) Summary() string { return "BitTorrent client with web UI" }

func (qbittorrent) settings(in *inputs.Resolver) (qbittorrentSettings, error) {
	var s qbittorrentSettings
	s.WebUIPort, _ = in.String("webui_port", "8080")
	s.TorrentPort, _ = in.String("torrent_port", "6881")
	s.DownloadPath, _ = in.String("download_path", "/downloads")
	s.Password, _ = in.String("initial_password", "changeme")
	return s, in.Validate()
}

func (a qbittorrent) ResolveInputs(in *inputs.Resolver) error {
	_, err := a.settings(in)
	return err
}

func (a qbittorrent) Install(ctx context.Context, h *Host) error {
	if h.Packages.Kind() == pkgmgr.Apk {
		if err := h.Packages.EnableCommunity(ctx); err != nil {
			return err
		}
	}
	if err := h.Packages.Install(ctx, "qbittorrent-nox", "python3", "p7zip"); err != nil {
		return err
	}
	if err := h.Files.CreateUser(ctx, fsops.UserSpec{Name: "qbittorrent", System: true, Home: qbtHome}); err != nil {
		return err
	}
	return a.Configure(ctx, h)
}

func (a qbittorrent) Configure(ctx context.Context, h *Host) error {
	s, err := a.settings(h.Inputs)
	if err != nil {
		return err
	}
	if err := h.Dirs(qbtConfigDir, s.DownloadPath, s.DownloadPath+"/incomplete"); err != nil {
		return err
	}

	// qBittorrent saves its preferences, including a password changed in
	// the web UI, into the same file
	stored := ""
	if data, err := os.ReadFile(h.Path(qbtConfig)); err == nil {
		stored = qbtStoredHash(data)
	}
	hash := stored
	if hash == "" {
		if hash, err = qbtNewHash(s.Password); err != nil {
			return err
		}
	}
	changed, err := h.RenderOrMerge(a.ID(), "qBittorrent.conf", qbtConfig, map[string]interface{}{
		"torrent_port":  s.TorrentPort,
		"download_path": s.DownloadPath,
		"webui_port":    s.WebUIPort,
		"password_hash": hash,
	}, func(data []byte) ([]byte, bool, error) {
		out, changed := mergeINI(data, qbtSettings(s, hash))
		return out, changed, nil
	})
	if err != nil {
		return err
	}
	if err := h.Files.Chown(h.Path(qbtHome), "qbittorrent:qbittorrent", true); err != nil {
		return err
	}

	err = h.Converge(ctx, supervisor.Unit{
		Name:        "qbittorrent-nox",
		Description: "qBittorrent-nox BitTorrent client",
		ExecStart:   fmt.Sprintf("/usr/bin/qbittorrent-nox --webui-port=%s --torrenting-port=%s", s.WebUIPort, s.TorrentPort),
		User:        "qbittorrent",
		Environment: map[string]string{
			"HOME":            qbtHome,
			"XDG_CONFIG_HOME": qbtHome + "/.config",
			"XDG_DATA_HOME":   qbtHome + "/.local/share",
		},
	}, changed)
	if err != nil {
		return err
	}
	if stored != "" && !qbtVerify(stored, s.Password) {
		logging.Info(subsystem, "The web UI password was changed in qBittorrent, keeping it")
		return nil
	}
	logging.Output("webui_password", s.Password)
	return nil
}

// qbtSettings are the keys appstore owns in qBittorrent.conf. The web UI
// credentials are only filled in when missing.
func qbtSettings(s qbittorrentSettings, hash string) []configSetting {
	return []configSetting{
		{Section: "BitTorrent", Key: `Session\DefaultSavePath`, Value: s.DownloadPath},
		{Section: "BitTorrent", Key: `Session\Port`, Value: s.TorrentPort},
		{Section: "BitTorrent", Key: `Session\TempPath`, Value: s.DownloadPath + "/incomplete"},
		{Section: "BitTorrent", Key: `Session\TempPathEnabled`, Value: "true"},
		{Section: "LegalNotice", Key: "Accepted", Value: "true"},
		{Section: "Preferences", Key: `WebUI\Port`, Value: s.WebUIPort},
		{Section: "Preferences", Key: `WebUI\Address`, Value: "*", Default: true},
		{Section: "Preferences", Key: `WebUI\Username`, Value: "admin", Default: true},
		{Section: "Preferences", Key: `WebUI\Password_PBKDF2`, Value: `"` + hash + `"`, Default: true},
	}
}

// qbtStoredHash returns the PBKDF2 value in an existing config, if any.
func qbtStoredHash(config []byte) string {
	if m := qbtHashRe.FindSubmatch(config); m != nil {
		return string(m[1])
	}
	return ""
}

func qbtNewHash(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return qbtHash(salt, password), nil
}

func qbtHash(salt []byte, password string) string {
	dk := pbkdf2.Key([]byte(password), salt, qbtIterations, qbtKeyLen, sha512.New)
	return fmt.Sprintf("@ByteArray(%s:%s)",
		base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(dk))
}

func qbtVerify(stored, password string) bool {
	inner := strings.TrimSuffix(strings.TrimPrefix(stored, "@ByteArray("), ")")
	saltB64, _, ok := strings.Cut(inner, ":")
	if !ok {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil || len(salt) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(qbtHash(salt, password)), []byte(stored)) == 1
}
