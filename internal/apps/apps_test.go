package apps

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appstore/internal/acquire"
	"appstore/internal/certs"
	"appstore/internal/executil"
	"appstore/internal/executil/executiltest"
	"appstore/internal/fsops"
	"appstore/internal/inputs"
	"appstore/internal/pkgmgr"
	"appstore/internal/provision"
	"appstore/internal/readiness"
	"appstore/internal/supervisor"
	"appstore/internal/template"
	"appstore/pkg/logging"
)

// fakeSupervisor keeps units in memory. Created and enabled services are
// active.
type fakeSupervisor struct {
	mu        sync.Mutex
	units     map[string]supervisor.Unit
	overrides map[string]supervisor.Override
	active    map[string]bool
	restarts  map[string]int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		units:     map[string]supervisor.Unit{},
		overrides: map[string]supervisor.Override{},
		active:    map[string]bool{},
		restarts:  map[string]int{},
	}
}

func (f *fakeSupervisor) Kind() string { return "fake" }

func (f *fakeSupervisor) Create(_ context.Context, u supervisor.Unit) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.units[u.Name]
	f.units[u.Name] = u
	f.active[u.Name] = true
	return !ok || !reflect.DeepEqual(old, u), nil
}

func (f *fakeSupervisor) Enable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[name] = true
	return nil
}

func (f *fakeSupervisor) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts[name]++
	f.active[name] = true
	return nil
}

func (f *fakeSupervisor) IsActive(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name], nil
}

func (f *fakeSupervisor) WriteOverride(_ context.Context, name string, o supervisor.Override) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	old, ok := f.overrides[name]
	f.overrides[name] = o
	return !ok || !reflect.DeepEqual(old, o), nil
}

func (f *fakeSupervisor) Close() {}

func (f *fakeSupervisor) restartCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts[name]
}

func (f *fakeSupervisor) totalRestarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.restarts {
		n += c
	}
	return n
}

func newTestHost(t *testing.T, raw map[string]interface{}) (*Host, *executiltest.Fake, *fakeSupervisor) {
	t.Helper()
	root := t.TempDir()
	run := executiltest.New()
	sup := newFakeSupervisor()
	acq := acquire.New(run, provision.Discard, acquire.Options{})
	h := &Host{
		Root:   root,
		Run:    run,
		Rec:    provision.Discard,
		Inputs: inputs.New(raw),
		Packages: pkgmgr.New(pkgmgr.Apt, run, provision.Discard, acq, pkgmgr.Options{
			KeyringDir: filepath.Join(root, "etc/apt/keyrings"),
			SourcesDir: filepath.Join(root, "etc/apt/sources.list.d"),
		}),
		Files:     fsops.New(run, provision.Discard).WithAccounts(currentAccounts(t)),
		Templates: template.New(provision.Discard),
		Services:  sup,
		Acquire:   acq,
		Readiness: readiness.Options{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond},
	}
	return h, run, sup
}

// currentAccounts resolves every user and group to the test process so
// chown succeeds without root.
func currentAccounts(t *testing.T) fsops.Accounts {
	t.Helper()
	uid, gid := strconv.Itoa(os.Getuid()), strconv.Itoa(os.Getgid())
	return fsops.Accounts{
		User: func(name string) (*user.User, error) {
			return &user.User{Username: name, Uid: uid, Gid: gid}, nil
		},
		Group: func(name string) (*user.Group, error) {
			return &user.Group{Name: name, Gid: gid}, nil
		},
	}
}

func readHostFile(t *testing.T, h *Host, p string) string {
	t.Helper()
	data, err := os.ReadFile(h.Path(p))
	require.NoError(t, err)
	return string(data)
}

func writeHostFile(t *testing.T, h *Host, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(h.Path(p)), 0755))
	require.NoError(t, os.WriteFile(h.Path(p), []byte(content), 0644))
}

func TestRegistry(t *testing.T) {
	list := List()
	require.Len(t, list, 13)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].ID(), list[i].ID())
	}

	app, ok := Lookup("swag")
	require.True(t, ok)
	_, isCert := app.(CertificateApp)
	assert.True(t, isCert)

	app, ok = Lookup("ollama")
	require.True(t, ok)
	_, isCert = app.(CertificateApp)
	assert.False(t, isCert)

	_, ok = Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestEveryAppResolvesDefaults(t *testing.T) {
	for _, a := range List() {
		assert.NoError(t, a.ResolveInputs(inputs.New(nil)), a.ID())
	}
}

func TestHelloWorld_ConfigureIsIdempotent(t *testing.T) {
	h, _, sup := newTestHost(t, map[string]interface{}{
		"greeting":  "Hi there",
		"http_port": 8080,
	})
	app := helloWorld{}

	require.NoError(t, app.Configure(context.Background(), h))
	page := readHostFile(t, h, "/var/www/html/index.html")
	site := readHostFile(t, h, "/etc/nginx/sites-available/default")
	assert.Contains(t, page, "Hi there")
	assert.Contains(t, site, "8080")
	assert.Equal(t, 1, sup.restartCount("nginx"))

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, page, readHostFile(t, h, "/var/www/html/index.html"))
	assert.Equal(t, site, readHostFile(t, h, "/etc/nginx/sites-available/default"))
	assert.Equal(t, 1, sup.restartCount("nginx"), "unchanged files must not restart nginx")
}

func TestNginx_Configure(t *testing.T) {
	h, _, sup := newTestHost(t, map[string]interface{}{
		"domain":           "example.com",
		"enable_ssl":       true,
		"worker_processes": 4,
	})
	writeHostFile(t, h, "/etc/nginx/nginx.conf", "user www-data;\nworker_processes auto;\npid /run/nginx.pid;\n")
	app := nginx{}

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Contains(t, readHostFile(t, h, "/etc/nginx/nginx.conf"), "worker_processes 4;")
	site := readHostFile(t, h, "/etc/nginx/sites-available/default")
	assert.Contains(t, site, "server_name example.com;")
	cert := readHostFile(t, h, "/etc/nginx/ssl/nginx.crt")
	assert.FileExists(t, h.Path("/etc/nginx/ssl/nginx.key"))
	assert.Equal(t, 1, sup.restartCount("nginx"))

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, cert, readHostFile(t, h, "/etc/nginx/ssl/nginx.crt"), "existing pair is kept")
	assert.Equal(t, site, readHostFile(t, h, "/etc/nginx/sites-available/default"))
	assert.Equal(t, 1, sup.restartCount("nginx"))
}

func TestNginx_RejectsNegativeWorkers(t *testing.T) {
	err := nginx{}.ResolveInputs(inputs.New(map[string]interface{}{"worker_processes": -1}))
	require.Error(t, err)
	assert.True(t, provision.IsConfigError(err))
}

func TestResilio_MergeKeepsUnownedKeys(t *testing.T) {
	h, _, sup := newTestHost(t, map[string]interface{}{"webui_port": 9999})
	writeHostFile(t, h, resilioConfig, `{
  // user managed
  "device_name": "nas",
  "shared_folders": [{"secret": "ABC", "dir": "/sync/photos"}],
  "webui": {"login": "admin", "listen": "0.0.0.0:8888"},
  "use_upnp": true,
}`)
	sup.active["resilio-sync"] = true
	app := resilioSync{}

	require.NoError(t, app.Configure(context.Background(), h))
	var conf map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(readHostFile(t, h, resilioConfig)), &conf))

	assert.Equal(t, "nas", conf["device_name"])
	assert.Len(t, conf["shared_folders"], 1)
	assert.Equal(t, true, conf["use_upnp"], "existing values win over defaults")
	assert.Equal(t, "/sync", conf["directory_root"])
	assert.Equal(t, float64(55555), conf["listening_port"])
	webui := conf["webui"].(map[string]interface{})
	assert.Equal(t, "admin", webui["login"])
	assert.Equal(t, "0.0.0.0:9999", webui["listen"])
	assert.Equal(t, 1, sup.restartCount("resilio-sync"))

	first := readHostFile(t, h, resilioConfig)
	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, first, readHostFile(t, h, resilioConfig))
	assert.Equal(t, 1, sup.restartCount("resilio-sync"))
}

func TestResilio_InvalidConfigStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	conf, err := readResilioConfig(path)
	require.NoError(t, err)
	assert.Empty(t, conf)

	conf, err = readResilioConfig(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, conf)
}

func TestGluetun_ProtectedKeysSurviveExtraEnv(t *testing.T) {
	in := inputs.New(map[string]interface{}{
		"vpn_provider": "mullvad",
		"extra_env":    "DNS_SERVER=off\nfoo=bar\nLOG_LEVEL=debug",
	})
	s, err := gluetun{}.settings(in)
	require.NoError(t, err)

	b := gluetunEnvironment(s)
	env := b.Build()
	assert.Equal(t, "on", env["DNS_SERVER"])
	assert.Equal(t, "bar", env["FOO"])
	assert.Equal(t, "debug", env["LOG_LEVEL"])
	assert.Equal(t, "mullvad", env["VPN_SERVICE_PROVIDER"])
	assert.Equal(t, ":8888", env["HTTPPROXY_LISTENING_ADDRESS"])
	assert.Contains(t, b.Blocked(), "DNS_SERVER")
}

func TestGluetun_ConfigureWarnsAboutMalformedExtraEnv(t *testing.T) {
	var buf bytes.Buffer
	logging.InitForCLI(logging.LevelWarn, &buf)
	defer logging.InitForCLI(logging.LevelInfo, os.Stderr)

	h, _, _ := newTestHost(t, map[string]interface{}{
		"vpn_provider":  "mullvad",
		"ready_timeout": 0,
		"extra_env":     "FOO=bar\nnot a pair\n=empty",
	})
	require.NoError(t, gluetun{}.Configure(context.Background(), h))

	env := readHostFile(t, h, gluetunEnv)
	assert.Contains(t, env, `FOO="bar"`)
	assert.NotContains(t, env, "not a pair")
	assert.Equal(t, 2, strings.Count(buf.String(), "Ignoring extra_env"))
}

func TestGluetun_RejectsUnknownVPNType(t *testing.T) {
	err := gluetun{}.ResolveInputs(inputs.New(map[string]interface{}{"vpn_type": "pptp"}))
	assert.True(t, provision.IsConfigError(err))
}

func TestGluetun_ConfigureRestartsOnlyOnEnvChange(t *testing.T) {
	raw := map[string]interface{}{"vpn_provider": "mullvad", "ready_timeout": 0}
	h, _, sup := newTestHost(t, raw)
	app := gluetun{}

	require.NoError(t, app.Configure(context.Background(), h))
	info, err := os.Stat(h.Path(gluetunEnv))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Contains(t, sup.units["gluetun"].Capabilities, "CAP_NET_ADMIN")
	first := sup.restartCount("gluetun")

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, first, sup.restartCount("gluetun"))

	h.Inputs = inputs.New(map[string]interface{}{"vpn_provider": "protonvpn", "ready_timeout": 0})
	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, first+1, sup.restartCount("gluetun"))
	assert.Contains(t, readHostFile(t, h, gluetunEnv), "protonvpn")
}

func TestQbittorrent_PasswordHash(t *testing.T) {
	salt := []byte("0123456789abcdef")
	hash := qbtHash(salt, "secret")
	assert.True(t, strings.HasPrefix(hash, "@ByteArray("))
	assert.True(t, qbtVerify(hash, "secret"))
	assert.False(t, qbtVerify(hash, "other"))
	assert.False(t, qbtVerify("@ByteArray(garbage)", "secret"))

	conf := []byte("[Preferences]\nWebUI\\Password_PBKDF2=\"" + hash + "\"\n")
	assert.Equal(t, hash, qbtStoredHash(conf))
	assert.Empty(t, qbtStoredHash([]byte("[Preferences]\nWebUI\\Port=8080\n")))

	fresh, err := qbtNewHash("changed")
	require.NoError(t, err)
	assert.NotEqual(t, hash, fresh)
	assert.True(t, qbtVerify(fresh, "changed"))
}

func TestQbittorrent_ReconfigureKeepsDaemonSettings(t *testing.T) {
	h, _, sup := newTestHost(t, map[string]interface{}{"webui_port": "8090"})
	app := qbittorrent{}
	require.NoError(t, app.Configure(context.Background(), h))
	assert.Contains(t, readHostFile(t, h, qbtConfig), `WebUI\Port=8090`)

	// the web UI saved a new password, a locale and an RSS section
	changedHash := qbtHash([]byte("fedcba9876543210"), "from-the-web-ui")
	conf := readHostFile(t, h, qbtConfig)
	conf = qbtHashRe.ReplaceAllLiteralString(conf, `WebUI\Password_PBKDF2="`+changedHash+`"`)
	conf = strings.Replace(conf, "[BitTorrent]", "[BitTorrent]\nSession\\MaxConnections=300", 1)
	conf += "\n[General]\nLocale=de\n\n[RSS]\nAutoDownloader\\EnableProcessing=true\n"
	writeHostFile(t, h, qbtConfig, conf)

	h.Inputs = inputs.New(map[string]interface{}{"webui_port": "9090"})
	require.NoError(t, app.Configure(context.Background(), h))
	got := readHostFile(t, h, qbtConfig)
	assert.Contains(t, got, `WebUI\Port=9090`)
	assert.NotContains(t, got, `WebUI\Port=8090`)
	assert.Contains(t, got, "Locale=de")
	assert.Contains(t, got, "[RSS]\nAutoDownloader\\EnableProcessing=true")
	assert.Contains(t, got, `Session\MaxConnections=300`)
	assert.Equal(t, changedHash, qbtStoredHash([]byte(got)), "a password set in the web UI is kept")
	restarts := sup.restartCount("qbittorrent-nox")

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, got, readHostFile(t, h, qbtConfig))
	assert.Equal(t, restarts, sup.restartCount("qbittorrent-nox"))
}

func TestOllama_HasModel(t *testing.T) {
	list := "NAME            ID              SIZE      MODIFIED\nllama3:latest   365c0bd3c000    4.7 GB    2 days ago\nphi3:mini       4f2222927938    2.2 GB    3 days ago\n"
	assert.True(t, hasModel(list, "llama3"))
	assert.True(t, hasModel(list, "phi3:mini"))
	assert.False(t, hasModel(list, "phi3"))
	assert.False(t, hasModel(list, "mistral"))
}

func TestOllama_ConfigurePullsMissingModelOnce(t *testing.T) {
	h, run, sup := newTestHost(t, map[string]interface{}{"model": "llama3"})
	run.On("ollama list", executiltest.Response{Stdout: "NAME ID SIZE MODIFIED\n"})
	app := ollama{}

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, 1, run.Count("ollama pull llama3"))
	assert.Contains(t, sup.overrides["ollama"].Environment, "OLLAMA_MODELS")
	assert.Equal(t, 1, sup.restartCount("ollama"))

	run.On("ollama list", executiltest.Response{Stdout: "NAME ID SIZE MODIFIED\nllama3:latest abc 4.7GB now\n"})
	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, 1, run.Count("ollama pull"))
	assert.Equal(t, 1, sup.restartCount("ollama"))
}

func TestPihole_ConfigureSetsOnlyDriftedKeys(t *testing.T) {
	h, run, sup := newTestHost(t, map[string]interface{}{"port_web_interface": 8080})
	run.On("pihole-FTL --config ntp.sync.active", executiltest.Response{Stdout: "false\n"})
	run.On("pihole-FTL --config webserver.port", executiltest.Response{Stdout: "80\n"})
	app := pihole{}

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, 1, run.Count("pihole-FTL --config webserver.port 8080"))
	assert.Equal(t, 0, run.Count("pihole-FTL --config ntp.sync.active false"))
	assert.Contains(t, readHostFile(t, h, piholeSetupVars), "PIHOLE_DNS_1=8.8.8.8")
	assert.Equal(t, 1, sup.restartCount("pihole-FTL"))

	run.On("pihole-FTL --config webserver.port", executiltest.Response{Stdout: "8080\n"})
	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, 1, sup.restartCount("pihole-FTL"))
}

func TestGitlab_ExternalURL(t *testing.T) {
	t.Setenv("CONTAINER_IP", "10.0.0.5")
	tests := []struct {
		name string
		s    gitlabSettings
		want string
	}{
		{"default", gitlabSettings{Port: 80}, "http://10.0.0.5"},
		{"custom port", gitlabSettings{Port: 8929}, "http://10.0.0.5:8929"},
		{"explicit url", gitlabSettings{ExternalURL: "https://git.example.com", Port: 80}, "https://git.example.com"},
		{"url with port", gitlabSettings{ExternalURL: "https://git.example.com:8443", Port: 8929}, "https://git.example.com:8443"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.externalURL())
		})
	}
}

func TestGitlab_ShortPassword(t *testing.T) {
	err := gitlab{}.ResolveInputs(inputs.New(map[string]interface{}{"initial_root_password": "short"}))
	assert.True(t, provision.IsConfigError(err))
}

func TestOSRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "os-release")
	require.NoError(t, os.WriteFile(path, []byte("PRETTY_NAME=\"Debian GNU/Linux 12 (bookworm)\"\nID=debian\nVERSION_CODENAME=bookworm\n"), 0644))
	id, codename, err := osRelease(path)
	require.NoError(t, err)
	assert.Equal(t, "debian", id)
	assert.Equal(t, "bookworm", codename)

	require.NoError(t, os.WriteFile(path, []byte("ID=alpine\n"), 0644))
	_, _, err = osRelease(path)
	assert.True(t, provision.IsDependencyError(err))
}

func TestHomeAssistant_RejectsUnknownTimezone(t *testing.T) {
	err := homeAssistant{}.ResolveInputs(inputs.New(map[string]interface{}{"timezone": "Mars/Olympus"}))
	assert.True(t, provision.IsConfigError(err))
	assert.NoError(t, homeAssistant{}.ResolveInputs(inputs.New(map[string]interface{}{"timezone": "Europe/Berlin"})))
}

func TestJellyfin_RejectsUnknownAccel(t *testing.T) {
	err := jellyfin{}.ResolveInputs(inputs.New(map[string]interface{}{"hw_accel": "vaapi"}))
	assert.True(t, provision.IsConfigError(err))
}

func TestSwag_CertbotPackages(t *testing.T) {
	pkgs := certbotPackages()
	assert.Equal(t, "certbot", pkgs[0])
	assert.Contains(t, pkgs, "certbot-dns-cloudflare")
	assert.Contains(t, pkgs, "certbot-plugin-gandi")
	assert.NotContains(t, pkgs, "certbot-dns-gandi")
	assert.Len(t, pkgs, len(certs.DNSPlugins())+3)
}

func TestSwag_CertRequest(t *testing.T) {
	in := inputs.New(map[string]interface{}{
		"url":        "example.com",
		"validation": "dns",
		"dnsplugin":  "cloudflare",
		"subdomains": "www,api",
	})
	r, err := swag{}.CertRequest(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "www.example.com", "api.example.com"}, certs.DomainList(r))

	_, err = swag{}.CertRequest(inputs.New(map[string]interface{}{"validation": "dns", "dnsplugin": "nope"}))
	assert.True(t, provision.IsConfigError(err))
}

func TestSwag_ConfigureWithoutURLKeepsSelfSigned(t *testing.T) {
	h, run, sup := newTestHost(t, map[string]interface{}{"port_https": 8443})
	app := swag{}

	require.NoError(t, app.Configure(context.Background(), h))
	site := readHostFile(t, h, "/config/nginx/site-confs/default.conf")
	assert.Contains(t, site, "listen 8443 ssl")
	assert.Contains(t, site, "https://$host:8443")
	assert.Equal(t, 0, run.Count("/lsiopy/bin/certbot"))
	assert.Equal(t, 1, sup.restartCount("nginx"))

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, 1, sup.restartCount("nginx"))
}

func TestSwag_ConfigureIssuesAndSwaps(t *testing.T) {
	h, run, sup := newTestHost(t, map[string]interface{}{"url": "example.com", "subdomains": ""})
	app := swag{}
	layout := app.CertLayout(h)

	run.On("/lsiopy/bin/certbot certonly", executiltest.Response{Do: func(executil.Command) {
		certPEM, keyPEM, err := certs.GenerateSelfSigned("example.com", time.Now())
		require.NoError(t, err)
		dir := layout.LineageDir("example.com")
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "fullchain.pem"), certPEM, 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "privkey.pem"), keyPEM, 0600))
	}})

	require.NoError(t, app.Configure(context.Background(), h))
	assert.Equal(t, 1, run.Count("/lsiopy/bin/certbot certonly"))
	st, err := h.CertManager(app.ID(), layout).Status()
	require.NoError(t, err)
	assert.Equal(t, "example.com", st.Subject)
	assert.Equal(t, 1, sup.restartCount("nginx"))
}

func TestSwag_CertificateFailureIsNotFatal(t *testing.T) {
	h, run, _ := newTestHost(t, map[string]interface{}{"url": "example.com"})
	run.On("/lsiopy/bin/certbot certonly", executiltest.Response{ExitCode: 1, Stderr: "Challenge failed"})
	app := swag{}

	require.NoError(t, app.Configure(context.Background(), h))
	st, err := h.CertManager(app.ID(), app.CertLayout(h)).Status()
	require.NoError(t, err)
	assert.True(t, st.SelfSigned)
	assert.Equal(t, "swag-selfsigned", st.Subject)
}

func TestCopyTree(t *testing.T) {
	h, _, _ := newTestHost(t, nil)
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "cloudflare.ini"), []byte("template"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "a.conf"), []byte("a"), 0644))

	dst := h.Path("/config/dns-conf")
	require.NoError(t, os.MkdirAll(dst, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "cloudflare.ini"), []byte("user secret"), 0600))

	require.NoError(t, copyTree(h, src, dst, false))
	data, err := os.ReadFile(filepath.Join(dst, "cloudflare.ini"))
	require.NoError(t, err)
	assert.Equal(t, "user secret", string(data))
	assert.FileExists(t, filepath.Join(dst, "sub", "a.conf"))

	assert.NoError(t, copyTree(h, filepath.Join(t.TempDir(), "missing"), dst, true))
}

func TestRun_InstallWritesMarker(t *testing.T) {
	h, run, _ := newTestHost(t, nil)
	state := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts := RunOptions{StateDir: state, RunID: "run-1", Version: "1.2.3", Now: func() time.Time { return at }}

	require.NoError(t, Run(context.Background(), helloWorld{}, VerbInstall, h, opts))
	assert.Equal(t, 1, run.Count("dpkg-query -W -f=${Status} nginx"))

	m, err := provision.ReadMarker(state, "hello-world")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, "1.2.3", m.EngineVersion)
	assert.True(t, m.InstalledAt.Equal(at))
	assert.Nil(t, m.LastConfigured)

	later := at.Add(time.Hour)
	opts.Now = func() time.Time { return later }
	require.NoError(t, Run(context.Background(), helloWorld{}, VerbConfigure, h, opts))
	m, err = provision.ReadMarker(state, "hello-world")
	require.NoError(t, err)
	require.NotNil(t, m.LastConfigured)
	assert.True(t, m.LastConfigured.Equal(later))
}

func TestRun_InputErrorTouchesNothing(t *testing.T) {
	h, run, sup := newTestHost(t, map[string]interface{}{"http_port": "eighty"})
	state := t.TempDir()

	err := Run(context.Background(), helloWorld{}, VerbInstall, h, RunOptions{StateDir: state})
	require.Error(t, err)
	assert.True(t, provision.IsConfigError(err))
	assert.Empty(t, run.Lines())
	assert.Empty(t, sup.units)
	m, err := provision.ReadMarker(state, "hello-world")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRun_UnknownVerb(t *testing.T) {
	h, _, _ := newTestHost(t, nil)
	assert.Error(t, Run(context.Background(), helloWorld{}, Verb("remove"), h, RunOptions{}))
}

func TestRun_UnknownInputIsNotFatal(t *testing.T) {
	h, _, _ := newTestHost(t, map[string]interface{}{"greting": "Hi", "http_port": 8080})
	require.NoError(t, Run(context.Background(), helloWorld{}, VerbConfigure, h, RunOptions{StateDir: t.TempDir()}))
	assert.Equal(t, []string{"greting"}, h.Inputs.Unused())
	assert.Contains(t, readHostFile(t, h, "/var/www/html/index.html"), "Hello from Proxmox!")
}

// Every app converges: after an edit made by the user or the daemon, one
// configure settles the host and the next one changes nothing.
func TestConfigure_IdempotentAndKeepsExistingState(t *testing.T) {
	tests := []struct {
		name  string
		app   App
		raw   map[string]interface{}
		setup func(t *testing.T, h *Host, run *executiltest.Fake)
		// files must be byte-identical between the last two runs
		files []string
		edit  func(t *testing.T, h *Host)
		kept  func(t *testing.T, h *Host)
		// commands that must not run again on the last run
		quiet []string
	}{
		{
			name: "crawl4ai",
			app:  crawl4ai{},
			raw:  map[string]interface{}{"api_port": 11300},
		},
		{
			name:  "gitlab",
			app:   gitlab{},
			raw:   map[string]interface{}{"external_url": "http://git.example.com"},
			files: []string{gitlabRB},
			edit: func(t *testing.T, h *Host) {
				writeHostFile(t, h, "/etc/gitlab/gitlab-secrets.json", `{"gitlab_rails":{}}`)
			},
			kept: func(t *testing.T, h *Host) {
				assert.Equal(t, `{"gitlab_rails":{}}`, readHostFile(t, h, "/etc/gitlab/gitlab-secrets.json"))
				assert.Contains(t, readHostFile(t, h, gitlabRB), "http://git.example.com")
			},
			quiet: []string{"gitlab-ctl reconfigure", "gitlab-rails runner"},
		},
		{
			name:  "gluetun",
			app:   gluetun{},
			raw:   map[string]interface{}{"vpn_provider": "mullvad", "ready_timeout": 0},
			files: []string{gluetunEnv, "/etc/gluetun/start.sh"},
		},
		{
			name:  "hello-world",
			app:   helloWorld{},
			raw:   map[string]interface{}{"http_port": 8080},
			files: []string{"/var/www/html/index.html", "/etc/nginx/sites-available/default"},
		},
		{
			name:  "homeassistant",
			app:   homeAssistant{},
			raw:   map[string]interface{}{"timezone": "Europe/Berlin", "http_port": 8124},
			files: []string{haHome + "/config/configuration.yaml"},
			edit: func(t *testing.T, h *Host) {
				p := haHome + "/config/configuration.yaml"
				conf := readHostFile(t, h, p)
				conf = strings.Replace(conf, "name: Home", "name: Cabin", 1)
				conf = strings.Replace(conf, "server_port: 8124", "server_port: 9000", 1)
				conf += "\nsensor:\n  - platform: time_date\n    display_options:\n      - time\n"
				writeHostFile(t, h, p, conf)
			},
			kept: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, haHome+"/config/configuration.yaml")
				assert.Contains(t, conf, "name: Cabin")
				assert.Contains(t, conf, "platform: time_date")
				assert.Contains(t, conf, "server_port: 8124")
				assert.NotContains(t, conf, "server_port: 9000")
				assert.Contains(t, conf, "Europe/Berlin")
				assert.Contains(t, conf, "automation: !include automations.yaml")
			},
			quiet: []string{"dpkg-reconfigure"},
		},
		{
			name:  "jellyfin",
			app:   jellyfin{},
			raw:   map[string]interface{}{"http_port": 8097, "hw_accel": "nvenc"},
			files: []string{jellyfinConfigDir + "/network.xml", jellyfinConfigDir + "/encoding.xml"},
			edit: func(t *testing.T, h *Host) {
				network := jellyfinConfigDir + "/network.xml"
				conf := readHostFile(t, h, network)
				conf = strings.Replace(conf, "<InternalHttpPort>8097</InternalHttpPort>", "<InternalHttpPort>9999</InternalHttpPort>", 1)
				conf = strings.Replace(conf, "</NetworkConfiguration>", "  <EnableUPnP>true</EnableUPnP>\n</NetworkConfiguration>", 1)
				writeHostFile(t, h, network, conf)

				encoding := jellyfinConfigDir + "/encoding.xml"
				conf = readHostFile(t, h, encoding)
				conf = strings.Replace(conf, "</EncodingOptions>", "  <EncoderPreset>slow</EncoderPreset>\n</EncodingOptions>", 1)
				writeHostFile(t, h, encoding, conf)
			},
			kept: func(t *testing.T, h *Host) {
				network := readHostFile(t, h, jellyfinConfigDir+"/network.xml")
				assert.Contains(t, network, "<EnableUPnP>true</EnableUPnP>")
				assert.Contains(t, network, "<InternalHttpPort>8097</InternalHttpPort>")
				assert.NotContains(t, network, "9999")
				encoding := readHostFile(t, h, jellyfinConfigDir+"/encoding.xml")
				assert.Contains(t, encoding, "<EncoderPreset>slow</EncoderPreset>")
				assert.Contains(t, encoding, "<string>vp9</string>")
				assert.Contains(t, encoding, "<HardwareAccelerationType>nvenc</HardwareAccelerationType>")
			},
		},
		{
			name: "nginx",
			app:  nginx{},
			raw:  map[string]interface{}{"domain": "example.com", "worker_processes": 2},
			setup: func(t *testing.T, h *Host, _ *executiltest.Fake) {
				writeHostFile(t, h, "/etc/nginx/nginx.conf", "user www-data;\nworker_processes auto;\npid /run/nginx.pid;\n")
			},
			files: []string{"/etc/nginx/nginx.conf", "/etc/nginx/sites-available/default"},
			edit: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, "/etc/nginx/nginx.conf")
				writeHostFile(t, h, "/etc/nginx/nginx.conf", conf+"include /etc/nginx/modules-enabled/*.conf;\n")
			},
			kept: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, "/etc/nginx/nginx.conf")
				assert.Contains(t, conf, "include /etc/nginx/modules-enabled/*.conf;")
				assert.Contains(t, conf, "worker_processes 2;")
			},
		},
		{
			name: "ollama",
			app:  ollama{},
			raw:  map[string]interface{}{"model": "llama3"},
			setup: func(t *testing.T, h *Host, run *executiltest.Fake) {
				run.On("ollama list", executiltest.Response{Stdout: "NAME ID SIZE MODIFIED\nllama3:latest abc 4.7GB now\n"})
			},
			quiet: []string{"ollama pull"},
		},
		{
			name: "pihole",
			app:  pihole{},
			raw:  map[string]interface{}{"dns_1": "1.1.1.1"},
			setup: func(t *testing.T, h *Host, run *executiltest.Fake) {
				run.On("pihole-FTL --config ntp.sync.active", executiltest.Response{Stdout: "false\n"})
			},
			files: []string{piholeSetupVars},
			edit: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, piholeSetupVars)
				conf = strings.Replace(conf, "WEBPASSWORD=\n", "WEBPASSWORD=5d1ef8fbb6b1e7ad4bcc7c5d0d4b2c55a1f8a8ae5b05e0b1e2a3a7e2c1b2d3f4\n", 1)
				conf = strings.Replace(conf, "PIHOLE_DNS_1=1.1.1.1", "PIHOLE_DNS_1=9.9.9.9", 1)
				conf += "ADMIN_EMAIL=ops@example.com\n"
				writeHostFile(t, h, piholeSetupVars, conf)
			},
			kept: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, piholeSetupVars)
				assert.Contains(t, conf, "WEBPASSWORD=5d1ef8fbb6b1e7ad4bcc7c5d0d4b2c55a1f8a8ae5b05e0b1e2a3a7e2c1b2d3f4\n")
				assert.Contains(t, conf, "ADMIN_EMAIL=ops@example.com\n")
				assert.Contains(t, conf, "PIHOLE_DNS_1=1.1.1.1\n")
				assert.NotContains(t, conf, "9.9.9.9")
			},
		},
		{
			name:  "plex",
			app:   plex{},
			raw:   map[string]interface{}{"friendly_name": "Den", "claim_token": "claim-abc"},
			files: []string{plexPrefsDir + "/Preferences.xml"},
			edit: func(t *testing.T, h *Host) {
				// Plex rewrites the file with its identity after claiming
				writeHostFile(t, h, plexPrefsDir+"/Preferences.xml", `<?xml version="1.0" encoding="utf-8"?>
<Preferences OldestPreviousVersion="1.40.1.8227" MachineIdentifier="b7e1c2d4" ProcessedMachineIdentifier="9f2c0a11" AcceptedEULA="1" FriendlyName="Living Room" ManualPortMappingPort="32400" TranscoderTempDirectory="/tmp/plex-transcode" PublishServerOnPlexOnlineKey="1" PlexOnlineToken="token-from-plex" PlexOnlineUsername="me"/>
`)
			},
			kept: func(t *testing.T, h *Host) {
				prefs := readHostFile(t, h, plexPrefsDir+"/Preferences.xml")
				assert.Contains(t, prefs, `MachineIdentifier="b7e1c2d4"`)
				assert.Contains(t, prefs, `PlexOnlineToken="token-from-plex"`)
				assert.Contains(t, prefs, `PlexOnlineUsername="me"`)
				assert.Contains(t, prefs, `FriendlyName="Den"`)
				assert.NotContains(t, prefs, "claim-abc")
			},
		},
		{
			name:  "qbittorrent",
			app:   qbittorrent{},
			raw:   map[string]interface{}{"webui_port": "8090"},
			files: []string{qbtConfig},
			edit: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, qbtConfig)
				writeHostFile(t, h, qbtConfig, conf+"\n[RSS]\nAutoDownloader\\EnableProcessing=true\n")
			},
			kept: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, qbtConfig)
				assert.Contains(t, conf, "[RSS]\nAutoDownloader\\EnableProcessing=true")
				assert.Contains(t, conf, `WebUI\Port=8090`)
			},
		},
		{
			name:  "resilio-sync",
			app:   resilioSync{},
			raw:   map[string]interface{}{"webui_port": 9999},
			files: []string{resilioConfig},
			edit: func(t *testing.T, h *Host) {
				conf := readHostFile(t, h, resilioConfig)
				writeHostFile(t, h, resilioConfig, strings.Replace(conf, "{", "{\n  \"device_name\": \"cabin\",", 1))
			},
			kept: func(t *testing.T, h *Host) {
				assert.Contains(t, readHostFile(t, h, resilioConfig), `"device_name": "cabin"`)
			},
		},
		{
			name:  "swag",
			app:   swag{},
			raw:   map[string]interface{}{"port_https": 8443},
			files: []string{"/config/nginx/site-confs/default.conf"},
			edit: func(t *testing.T, h *Host) {
				writeHostFile(t, h, swagProxyConfs+"/grafana.subdomain.conf", "server { server_name grafana.*; }\n")
			},
			kept: func(t *testing.T, h *Host) {
				assert.Equal(t, "server { server_name grafana.*; }\n", readHostFile(t, h, swagProxyConfs+"/grafana.subdomain.conf"))
			},
		},
	}
	assert.Len(t, tests, len(List()), "every registered app is covered")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, run, sup := newTestHost(t, tt.raw)
			if tt.setup != nil {
				tt.setup(t, h, run)
			}
			ctx := context.Background()

			require.NoError(t, tt.app.Configure(ctx, h))
			if tt.edit != nil {
				tt.edit(t, h)
			}
			require.NoError(t, tt.app.Configure(ctx, h))

			before := map[string]string{}
			for _, f := range tt.files {
				before[f] = readHostFile(t, h, f)
			}
			restarts := sup.totalRestarts()
			counts := map[string]int{}
			for _, c := range tt.quiet {
				counts[c] = run.Count(c)
			}

			require.NoError(t, tt.app.Configure(ctx, h))
			for _, f := range tt.files {
				assert.Equal(t, before[f], readHostFile(t, h, f), "%s changed on an idle run", f)
			}
			assert.Equal(t, restarts, sup.totalRestarts(), "idle run restarted a service")
			for _, c := range tt.quiet {
				assert.Equal(t, counts[c], run.Count(c), "idle run ran %q", c)
			}
			if tt.kept != nil {
				tt.kept(t, h)
			}
		})
	}
}
