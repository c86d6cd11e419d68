package certs

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "Certs"

// State is the lifecycle position of the serving certificate.
type State string

const (
	Unconfigured   State = "unconfigured"
	SelfSigned     State = "self-signed"
	Requesting     State = "requesting"
	Issued         State = "issued"
	RenewalDue     State = "renewal-due"
	FailedFallback State = "failed-fallback"
)

// Record describes a certificate request and where it ended up.
type Record struct {
	Domains    []string
	Validation Validation
	// Credentials is the DNS plugin credential file, if any.
	Credentials string
	Lineage     string
	ServingPath string
	State       State
}

// Options tunes a Manager.
type Options struct {
	// Name prefixes the self-signed common name, "<name>-selfsigned".
	Name string
	// Timeout bounds one ACME client run.
	Timeout time.Duration
	// DNSResolver is used for the HTTP-01 preflight, host:port.
	DNSResolver string
	// RenewWindow marks an issued certificate renewal-due. Default 30 days.
	RenewWindow time.Duration
}

// Manager owns the serving certificate of one application.
type Manager struct {
	layout Layout
	run    executil.Runner
	rec    provision.Recorder
	opts   Options
	now    func() time.Time

	// mu serializes swaps between the CLI, the watcher and the daemon.
	mu    sync.Mutex
	state State

	// beforeSwap runs after a new pair is staged and verified, immediately
	// before it goes live. An error aborts the swap.
	beforeSwap func() error
	// resolve is the DNS preflight.
	resolve func(ctx context.Context, server, domain string) (bool, error)
}

// NewManager creates a Manager for layout.
func NewManager(layout Layout, run executil.Runner, rec provision.Recorder, opts Options) *Manager {
	if rec == nil {
		rec = provision.Discard
	}
	if opts.Name == "" {
		opts.Name = "appstore"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.RenewWindow <= 0 {
		opts.RenewWindow = 30 * 24 * time.Hour
	}
	if layout.StagingServer == "" {
		layout.StagingServer = DefaultLayout().StagingServer
	}
	return &Manager{
		layout:  layout,
		run:     run,
		rec:     rec,
		opts:    opts,
		now:     time.Now,
		state:   Unconfigured,
		resolve: Resolves,
	}
}

// Layout returns the manager's paths.
func (m *Manager) Layout() Layout { return m.layout }

// State returns the in-memory state of the last operation.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Bootstrap guarantees a serving pair exists. Valid self-signed material is
// kept; otherwise a new RSA 2048 certificate valid for 365 days is created.
// Serving files left by older installs are migrated into the layout.
func (m *Manager) Bootstrap() error {
	keys := m.layout.KeysDir
	return provision.Track(m.rec, "certificate", filepath.Join(keys, selfSignedDir), func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := os.MkdirAll(keys, 0755); err != nil {
			return false, err
		}
		changed, err := m.migrateLegacy()
		if err != nil {
			return false, err
		}

		ss := filepath.Join(keys, selfSignedDir)
		if !usable(ss, m.now()) {
			certPEM, keyPEM, err := GenerateSelfSigned(m.opts.Name+"-selfsigned", m.now())
			if err != nil {
				return changed, err
			}
			if err := writePair(ss, certPEM, keyPEM); err != nil {
				return changed, err
			}
			logging.Info(subsystem, "Generated self-signed certificate %s-selfsigned", m.opts.Name)
			changed = true
		}

		if !usable(filepath.Join(keys, currentLink), m.now()) {
			if err := m.activate(selfSignedDir); err != nil {
				return changed, err
			}
			changed = true
		}
		c, err := m.ensureServingLinks()
		if err != nil {
			return changed, err
		}
		if m.state == Unconfigured {
			m.state = m.servingState()
		}
		return changed || c, nil
	})
}

// migrateLegacy moves serving files that are not our links (regular files
// from openssl, or links straight into a lineage) into a staged directory.
func (m *Manager) migrateLegacy() (bool, error) {
	keys := m.layout.KeysDir
	want := filepath.Join(currentLink, CertFile)
	if target, err := os.Readlink(m.layout.CertPath()); err == nil && target == want {
		return false, nil
	}
	if _, err := os.Lstat(m.layout.CertPath()); os.IsNotExist(err) {
		return false, nil
	}

	certPEM, certErr := os.ReadFile(m.layout.CertPath())
	keyPEM, keyErr := os.ReadFile(m.layout.KeyPath())
	if certErr != nil || keyErr != nil {
		logging.Warn(subsystem, "Discarding unreadable serving files in %s", keys)
		return true, m.removeServingFiles()
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		logging.Warn(subsystem, "Discarding mismatched serving pair in %s: %v", keys, err)
		return true, m.removeServingFiles()
	}
	leaf, err := parseLeaf(pair)
	if err != nil {
		return true, m.removeServingFiles()
	}

	dir := stagePrefix + "legacy"
	if isSelfSigned(leaf) && !usable(filepath.Join(keys, selfSignedDir), m.now()) {
		dir = selfSignedDir
	}
	if err := writePair(filepath.Join(keys, dir), certPEM, keyPEM); err != nil {
		return false, err
	}
	if err := m.activate(dir); err != nil {
		return false, err
	}
	logging.Info(subsystem, "Migrated existing serving certificate into %s", dir)
	// the serving paths are replaced by links in ensureServingLinks
	return true, nil
}

func (m *Manager) removeServingFiles() error {
	for _, p := range []string{m.layout.CertPath(), m.layout.KeyPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// activate points .current at dir (relative to the keys directory) with a
// single rename.
func (m *Manager) activate(dir string) error {
	return replaceSymlink(dir, filepath.Join(m.layout.KeysDir, currentLink))
}

func replaceSymlink(target, link string) error {
	if cur, err := os.Readlink(link); err == nil && cur == target {
		return nil
	}
	tmp := fmt.Sprintf("%s.tmp-%d", link, time.Now().UnixNano())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create link %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", link, err)
	}
	return nil
}

func (m *Manager) ensureServingLinks() (bool, error) {
	changed := false
	for _, name := range []string{KeyFile, CertFile} {
		link := filepath.Join(m.layout.KeysDir, name)
		target := filepath.Join(currentLink, name)
		if cur, err := os.Readlink(link); err == nil && cur == target {
			continue
		}
		if err := replaceSymlink(target, link); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// servingState derives the state from what .current points at.
func (m *Manager) servingState() State {
	target, err := os.Readlink(filepath.Join(m.layout.KeysDir, currentLink))
	switch {
	case err != nil:
		return Unconfigured
	case target == selfSignedDir:
		return SelfSigned
	}
	leaf, err := loadPair(filepath.Join(m.layout.KeysDir, currentLink))
	if err != nil {
		return FailedFallback
	}
	if leaf.NotAfter.Sub(m.now()) < m.opts.RenewWindow {
		return RenewalDue
	}
	return Issued
}

// Issue requests a certificate for r and swaps it in. An empty domain list
// leaves the self-signed certificate live and never runs the ACME client.
// ACME failures return a CertificateError with the previous pair still
// serving.
func (m *Manager) Issue(ctx context.Context, r Request) (*Record, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	rec := &Record{
		Domains:     DomainList(r),
		Validation:  r.Validation,
		Lineage:     LineageName(r),
		ServingPath: m.layout.CertPath(),
	}
	if rec.Validation == "" {
		rec.Validation = HTTP01
	}
	rec.Credentials = CredentialFile(r, m.layout)

	if err := m.Bootstrap(); err != nil {
		return nil, err
	}
	if len(rec.Domains) == 0 {
		logging.Warn(subsystem, "No domains configured; keeping the current certificate")
		rec.State = m.State()
		return rec, nil
	}

	if rec.Validation == HTTP01 && m.opts.DNSResolver != "" {
		if ok, err := m.resolve(ctx, m.opts.DNSResolver, r.Domain); err != nil {
			logging.Warn(subsystem, "DNS preflight for %s failed: %v", r.Domain, err)
		} else if !ok {
			logging.Warn(subsystem, "%s does not resolve; HTTP validation will likely fail", r.Domain)
		}
	}

	m.setState(Requesting)
	logging.Info(subsystem, "Requesting certificate for %s", strings.Join(rec.Domains, ", "))
	err := provision.Track(m.rec, "certificate", rec.Lineage, func() (bool, error) {
		_, err := m.run.Run(ctx, executil.Command{
			Name:    m.layout.Certbot,
			Args:    CertbotArgs(r, m.layout),
			Timeout: m.opts.Timeout,
		})
		if err != nil {
			return false, &provision.CertificateError{Domains: rec.Domains, Stage: "request", Err: err}
		}
		changed, err := m.swapLineage(rec.Lineage)
		if err != nil {
			return false, &provision.CertificateError{Domains: rec.Domains, Stage: "swap", Err: err}
		}
		return changed, nil
	})
	if err != nil {
		logging.Error(subsystem, err, "Keeping the previous certificate")
		m.setState(FailedFallback)
		rec.State = FailedFallback
		return rec, err
	}
	m.setState(Issued)
	rec.State = Issued
	logging.Info(subsystem, "Certificate for %s is live", rec.Lineage)
	return rec, nil
}

// Renew re-runs issuance for r. Due dates are tracked by the ACME client;
// the manager keeps no expiry state of its own.
func (m *Manager) Renew(ctx context.Context, r Request) (*Record, error) {
	return m.Issue(ctx, r)
}

// RenewAll runs the ACME client's renew subcommand for every lineage and
// swaps lineage in when it changed.
func (m *Manager) RenewAll(ctx context.Context, lineage string) (bool, error) {
	if _, err := m.run.Run(ctx, executil.Command{
		Name:    m.layout.Certbot,
		Args:    RenewArgs(m.layout),
		Timeout: m.opts.Timeout,
	}); err != nil {
		return false, &provision.CertificateError{Domains: []string{lineage}, Stage: "renew", Err: err}
	}
	return m.SwapLineage(lineage)
}

// ActiveLineage returns the certbot lineage last swapped in. It reads the
// name recorded by the swap and falls back to the staged directory .current
// points at. An empty name means no certificate was ever issued.
func (m *Manager) ActiveLineage() (string, error) {
	data, err := os.ReadFile(filepath.Join(m.layout.KeysDir, lineageFile))
	if err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	target, err := os.Readlink(filepath.Join(m.layout.KeysDir, currentLink))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return lineageFromStaged(target), nil
}

// lineageFromStaged recovers the lineage name from a staged directory name,
// "acme-<lineage>-<random>".
func lineageFromStaged(dir string) string {
	rest, ok := strings.CutPrefix(filepath.Base(dir), stagePrefix)
	if !ok {
		return ""
	}
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return ""
	}
	return rest[:i]
}

// ResolveLineage returns the lineage for r, or the serving lineage when r
// names no domain.
func (m *Manager) ResolveLineage(r Request) (string, error) {
	if name := LineageName(r); name != "" {
		return name, nil
	}
	name, err := m.ActiveLineage()
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", provision.NewConfigError("url", "", "no domain configured and no issued certificate is serving")
	}
	return name, nil
}

// SwapLineage makes the current contents of a certbot lineage live. It is a
// no-op when they already serve.
func (m *Manager) SwapLineage(name string) (bool, error) {
	var changed bool
	err := provision.Track(m.rec, "certificate-swap", name, func() (bool, error) {
		c, err := m.swapLineage(name)
		changed = c
		if err != nil {
			return false, &provision.CertificateError{Domains: []string{name}, Stage: "swap", Err: err}
		}
		return c, nil
	})
	return changed, err
}

func (m *Manager) swapLineage(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.layout.LineageDir(name)
	certPEM, err := os.ReadFile(filepath.Join(live, "fullchain.pem"))
	if err != nil {
		return false, fmt.Errorf("lineage %s not found: %w", name, err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(live, "privkey.pem"))
	if err != nil {
		return false, fmt.Errorf("lineage %s has no key: %w", name, err)
	}

	current := filepath.Join(m.layout.KeysDir, currentLink)
	curCert, _ := os.ReadFile(filepath.Join(current, CertFile))
	curKey, _ := os.ReadFile(filepath.Join(current, KeyFile))
	if bytes.Equal(curCert, certPEM) && bytes.Equal(curKey, keyPEM) {
		return false, nil
	}

	staged, err := os.MkdirTemp(m.layout.KeysDir, stagePrefix+name+"-")
	if err != nil {
		return false, err
	}
	abort := func(err error) (bool, error) {
		os.RemoveAll(staged)
		return false, err
	}
	if err := os.Chmod(staged, 0755); err != nil {
		return abort(err)
	}
	if err := writePair(staged, certPEM, keyPEM); err != nil {
		return abort(err)
	}
	if _, err := tls.LoadX509KeyPair(filepath.Join(staged, CertFile), filepath.Join(staged, KeyFile)); err != nil {
		return abort(fmt.Errorf("issued pair does not load: %w", err))
	}
	if m.beforeSwap != nil {
		if err := m.beforeSwap(); err != nil {
			return abort(err)
		}
	}

	previous, _ := os.Readlink(current)
	if err := m.activate(filepath.Base(staged)); err != nil {
		return abort(err)
	}
	if _, err := m.ensureServingLinks(); err != nil {
		return true, err
	}
	if _, err := provision.EnsureFile(filepath.Join(m.layout.KeysDir, lineageFile), []byte(name+"\n"), 0644); err != nil {
		logging.Warn(subsystem, "Failed to record lineage %s: %v", name, err)
	}
	if strings.HasPrefix(previous, stagePrefix) && previous != filepath.Base(staged) {
		os.RemoveAll(filepath.Join(m.layout.KeysDir, previous))
	}
	logging.Info(subsystem, "Swapped serving certificate to %s", name)
	return true, nil
}

// Status describes the serving certificate.
type Status struct {
	State      State
	Subject    string
	Issuer     string
	DNSNames   []string
	NotAfter   time.Time
	SelfSigned bool
	Target     string
}

// Status reads the serving pair from disk.
func (m *Manager) Status() (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, _ := os.Readlink(filepath.Join(m.layout.KeysDir, currentLink))
	leaf, err := loadPair(m.layout.KeysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Status{State: Unconfigured}, nil
		}
		return nil, fmt.Errorf("serving pair in %s does not load: %w", m.layout.KeysDir, err)
	}
	st := &Status{
		State:      m.servingState(),
		Subject:    leaf.Subject.CommonName,
		Issuer:     leaf.Issuer.CommonName,
		DNSNames:   leaf.DNSNames,
		NotAfter:   leaf.NotAfter,
		SelfSigned: isSelfSigned(leaf),
		Target:     target,
	}
	if m.state == FailedFallback {
		st.State = FailedFallback
	}
	return st, nil
}
