package pkgmgr

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// Repository is a signed third-party package source, keyed by Name.
type Repository struct {
	Name string
	URL  string
	// Suite is the distribution codename, or the suite a vendor publishes
	// for every release ("public", "stable").
	Suite      string
	Components []string
	KeyURL     string
	// Fingerprint optionally pins the signing key (hex, spaces ignored).
	Fingerprint string
	Arch        string
}

func (r Repository) validate() error {
	if r.Name == "" || strings.ContainsAny(r.Name, "/ ") {
		return provision.NewConfigError("repository", r.Name, "invalid repository name")
	}
	if r.URL == "" {
		return provision.NewConfigError("repository", r.Name, "url is required")
	}
	return nil
}

// KeyringPath is where the de-armored key for name is stored.
func (m *Manager) KeyringPath(name string) string {
	return filepath.Join(m.opts.KeyringDir, name+".gpg")
}

// SourceLine renders the apt source entry for r.
func (m *Manager) SourceLine(r Repository) string {
	opts := []string{}
	if r.Arch != "" {
		opts = append(opts, "arch="+r.Arch)
	}
	if r.KeyURL != "" {
		opts = append(opts, "signed-by="+m.KeyringPath(r.Name))
	}
	line := "deb "
	if len(opts) > 0 {
		line += "[" + strings.Join(opts, " ") + "] "
	}
	line += r.URL + " " + r.Suite
	if len(r.Components) > 0 {
		line += " " + strings.Join(r.Components, " ")
	}
	return line
}

// AddRepository registers r. An identical existing definition is left alone;
// a different one is overwritten. Network and signature failures are
// DependencyErrors.
func (m *Manager) AddRepository(ctx context.Context, r Repository) error {
	if err := r.validate(); err != nil {
		return err
	}
	return provision.Track(m.rec, "repository", r.Name, func() (bool, error) {
		var key []byte
		if r.KeyURL != "" {
			raw, err := m.fetch.Fetch(ctx, r.KeyURL)
			if err != nil {
				return false, provision.NewDependencyError("repository-key", r.Name, err)
			}
			key, err = verifyKey(raw, r.Fingerprint)
			if err != nil {
				return false, provision.NewDependencyError("repository-key", r.Name, err)
			}
		}

		var files map[string][]byte
		switch m.kind {
		case Apt:
			files = map[string][]byte{
				filepath.Join(m.opts.SourcesDir, r.Name+".list"): []byte(m.SourceLine(r) + "\n"),
			}
			if key != nil {
				files[m.KeyringPath(r.Name)] = key
			}
		case Dnf:
			files = map[string][]byte{
				filepath.Join(m.opts.YumReposDir, r.Name+".repo"): yumRepo(r),
			}
		case Apk:
			if key != nil {
				files = map[string][]byte{filepath.Join(m.opts.ApkKeysDir, r.Name+".rsa.pub"): key}
			}
		}

		changed := false
		for path, data := range files {
			c, err := provision.EnsureFile(path, data, 0644)
			if err != nil {
				return false, err
			}
			changed = changed || c
		}
		if m.kind == Apk {
			c, err := ensureLine(m.opts.ApkReposFile, r.URL)
			if err != nil {
				return false, err
			}
			changed = changed || c
		}
		if !changed {
			return false, nil
		}

		logging.Info(subsystem, "Registered repository %s", r.Name)
		if err := m.Update(ctx); err != nil {
			return true, provision.NewDependencyError("repository", r.Name, err)
		}
		return true, nil
	})
}

// verifyKey parses an armored or binary OpenPGP key, checks the optional
// fingerprint pin and returns the binary keyring.
func verifyKey(raw []byte, fingerprint string) ([]byte, error) {
	bin := raw
	if bytes.Contains(raw, []byte("-----BEGIN PGP")) {
		block, err := armor.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid armored key: %w", err)
		}
		if bin, err = io.ReadAll(block.Body); err != nil {
			return nil, fmt.Errorf("invalid armored key: %w", err)
		}
	}
	entities, err := openpgp.ReadKeyRing(bytes.NewReader(bin))
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("key file contains no keys")
	}
	if fingerprint == "" {
		return bin, nil
	}
	want := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	for _, e := range entities {
		if strings.ToUpper(hex.EncodeToString(e.PrimaryKey.Fingerprint[:])) == want {
			return bin, nil
		}
	}
	return nil, fmt.Errorf("no key matches fingerprint %s", want)
}

func yumRepo(r Repository) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\nname=%s\nbaseurl=%s\nenabled=1\n", r.Name, r.Name, r.URL)
	if r.KeyURL != "" {
		fmt.Fprintf(&b, "gpgcheck=1\ngpgkey=%s\n", r.KeyURL)
	} else {
		b.WriteString("gpgcheck=0\n")
	}
	return []byte(b.String())
}

// ensureLine appends line to path unless an uncommented copy exists.
func ensureLine(path, line string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	for _, l := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(l) == line {
			return false, nil
		}
	}
	text := string(data)
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return true, provision.WriteFileAtomic(path, []byte(text+line+"\n"), 0644)
}

// EnableCommunity enables the Alpine community repository for the release
// already configured for main.
func (m *Manager) EnableCommunity(ctx context.Context) error {
	if m.kind != Apk {
		return nil
	}
	path := m.opts.ApkReposFile
	return provision.Track(m.rec, "repository", "community", func() (bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", path, err)
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		var main string
		commented := -1
		for i, l := range lines {
			t := strings.TrimSpace(l)
			switch {
			case strings.HasSuffix(t, "/community") && !strings.HasPrefix(t, "#"):
				return false, nil
			case strings.HasSuffix(t, "/community") && commented < 0:
				commented = i
			case strings.HasSuffix(t, "/main") && !strings.HasPrefix(t, "#") && main == "":
				main = t
			}
		}
		switch {
		case commented >= 0:
			lines[commented] = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(lines[commented]), "#"))
		case main != "":
			lines = append(lines, strings.TrimSuffix(main, "/main")+"/community")
		default:
			return false, fmt.Errorf("no main repository in %s", path)
		}
		if err := provision.WriteFileAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
			return false, err
		}
		logging.Info(subsystem, "Enabled community repository")
		return true, m.Update(ctx)
	})
}
