package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appstore/internal/executil"
	"appstore/internal/executil/executiltest"
	"appstore/internal/provision"
)

type fakeConn struct {
	mu       sync.Mutex
	state    map[string]string
	reloads  int
	enabled  []string
	started  []string
	restarts []string
	result   string
}

func newFakeConn() *fakeConn {
	return &fakeConn{state: map[string]string{}, result: "done"}
}

func (f *fakeConn) ReloadContext(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeConn) EnableUnitFilesContext(_ context.Context, files []string, _ bool, _ bool) (bool, []dbus.EnableUnitFileChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.enabled {
		if e == files[0] {
			return false, nil, nil
		}
	}
	f.enabled = append(f.enabled, files...)
	return true, nil, nil
}

func (f *fakeConn) job(name string, ch chan<- string) {
	if f.result == "done" {
		f.state[name] = "active"
	} else {
		f.state[name] = "failed"
	}
	ch <- f.result
}

func (f *fakeConn) StartUnitContext(_ context.Context, name string, _ string, ch chan<- string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
	f.job(name, ch)
	return 1, nil
}

func (f *fakeConn) RestartUnitContext(_ context.Context, name string, _ string, ch chan<- string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, name)
	f.job(name, ch)
	return 2, nil
}

func (f *fakeConn) ListUnitsByNamesContext(_ context.Context, units []string) ([]dbus.UnitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.state[units[0]]
	if !ok {
		state = "inactive"
	}
	return []dbus.UnitStatus{{Name: units[0], ActiveState: state}}, nil
}

func (f *fakeConn) Close() {}

func gluetunUnit() Unit {
	return Unit{
		Name:            "gluetun",
		Description:     "Gluetun VPN client",
		ExecStart:       "/etc/gluetun/start.sh",
		EnvironmentFile: "/etc/gluetun/env",
		Capabilities:    []string{"CAP_NET_ADMIN", "CAP_NET_RAW", "CAP_NET_BIND_SERVICE"},
	}
}

func TestRenderUnit(t *testing.T) {
	u := gluetunUnit()
	u.Environment = map[string]string{"HOME": "/var/lib/x", "A": `50% "q"`}
	data, err := RenderUnit(u)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "[Unit]\nDescription=Gluetun VPN client\n")
	assert.Contains(t, text, "After=network-online.target\n")
	assert.Contains(t, text, "ExecStart=/etc/gluetun/start.sh\n")
	assert.Contains(t, text, "EnvironmentFile=/etc/gluetun/env\n")
	assert.Contains(t, text, "Restart=always\n")
	assert.Contains(t, text, "RestartSec=5\n")
	assert.Contains(t, text, "AmbientCapabilities=CAP_NET_ADMIN CAP_NET_RAW CAP_NET_BIND_SERVICE\n")
	assert.Contains(t, text, "WantedBy=multi-user.target\n")
	assert.Contains(t, text, `Environment="A=50%% \"q\""`)
	assert.Less(t, strings.Index(text, `Environment="A=`), strings.Index(text, `Environment="HOME=`))
}

func TestRenderUnit_Invalid(t *testing.T) {
	_, err := RenderUnit(Unit{Name: "x"})
	assert.True(t, provision.IsConfigError(err))
	_, err = RenderUnit(Unit{Name: "bad/name", ExecStart: "/bin/true"})
	assert.True(t, provision.IsConfigError(err))
}

func TestSystemd_CreateIdempotent(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	j := provision.NewJournal("gluetun")
	s := newSystemd(conn, j, Options{SystemdDir: dir})
	ctx := context.Background()

	changed, err := s.Create(ctx, gluetunUnit())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.FileExists(t, filepath.Join(dir, "gluetun.service"))
	assert.Equal(t, 1, conn.reloads)
	assert.Equal(t, []string{"gluetun.service"}, conn.started)

	changed, err = s.Create(ctx, gluetunUnit())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, conn.reloads, "unchanged unit does not reload")
	assert.Len(t, conn.started, 1, "running service is not started again")
	assert.Empty(t, conn.restarts, "Create never restarts")

	steps := j.Steps()
	last := steps[len(steps)-2:]
	for _, st := range last {
		assert.Equal(t, provision.Satisfied, st.Outcome, st.Kind)
	}
}

func TestSystemd_ChangedUnitKeepsRunning(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	s := newSystemd(conn, nil, Options{SystemdDir: dir})
	ctx := context.Background()

	_, err := s.Create(ctx, gluetunUnit())
	require.NoError(t, err)
	u := gluetunUnit()
	u.RestartSec = 10 * time.Second
	changed, err := s.Create(ctx, u)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, conn.reloads)
	assert.Empty(t, conn.restarts)
}

func TestSystemd_CreateRestoresEditedUnit(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	s := newSystemd(conn, nil, Options{SystemdDir: dir})
	ctx := context.Background()

	_, err := s.Create(ctx, gluetunUnit())
	require.NoError(t, err)
	path := filepath.Join(dir, "gluetun.service")
	want, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("[Service]\nExecStart=/bin/false\n"), 0644))

	changed, err := s.Create(ctx, gluetunUnit())
	require.NoError(t, err)
	assert.True(t, changed)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
	assert.Equal(t, 2, conn.reloads)
	assert.Empty(t, conn.restarts)
}

func TestSystemd_RestartFailure(t *testing.T) {
	conn := newFakeConn()
	conn.result = "failed"
	j := provision.NewJournal("x")
	s := newSystemd(conn, j, Options{SystemdDir: t.TempDir(), RestartTimeout: time.Second})

	err := s.Restart(context.Background(), "nginx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nginx.service")
	assert.Equal(t, provision.Failed, j.Steps()[0].Outcome)
}

func TestSystemd_WriteOverride(t *testing.T) {
	dir := t.TempDir()
	conn := newFakeConn()
	s := newSystemd(conn, nil, Options{SystemdDir: dir})
	ov := Override{Environment: map[string]string{"OLLAMA_HOST": "0.0.0.0:11434", "OLLAMA_NUM_CTX": "2048"}}

	changed, err := s.WriteOverride(context.Background(), "ollama", ov)
	require.NoError(t, err)
	assert.True(t, changed)
	data, err := os.ReadFile(filepath.Join(dir, "ollama.service.d", "override.conf"))
	require.NoError(t, err)
	assert.Equal(t, "[Service]\nEnvironment=\"OLLAMA_HOST=0.0.0.0:11434\"\nEnvironment=\"OLLAMA_NUM_CTX=2048\"\n", string(data))

	changed, err = s.WriteOverride(context.Background(), "ollama", ov)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, conn.reloads)
}

func TestOpenRC_RenderInitScript(t *testing.T) {
	o := NewOpenRC(executiltest.New(), nil, Options{})
	data, err := o.RenderInitScript(Unit{
		Name:         "qbittorrent",
		ExecStart:    "/usr/bin/qbittorrent-nox --webui-port=8080 --torrenting-port=6881",
		User:         "qbittorrent",
		Capabilities: []string{"CAP_NET_ADMIN"},
	})
	require.NoError(t, err)
	text := string(data)
	assert.True(t, strings.HasPrefix(text, "#!/sbin/openrc-run\n"))
	assert.Contains(t, text, `command="/usr/bin/qbittorrent-nox"`)
	assert.Contains(t, text, `command_args='--webui-port=8080 --torrenting-port=6881'`)
	assert.Contains(t, text, `command_user="qbittorrent"`)
	assert.Contains(t, text, `capabilities="^cap_net_admin"`)
	assert.Contains(t, text, "respawn_max=0")
	assert.NotContains(t, text, "start_pre")
}

func TestOpenRC_CreateEnablesAndStarts(t *testing.T) {
	dir := t.TempDir()
	run := executiltest.New().
		On("rc-update show", executiltest.Response{Stdout: "  sshd | default\n"}).
		On("rc-service qbittorrent status", executiltest.Response{ExitCode: 3})
	o := NewOpenRC(run, nil, Options{InitDir: filepath.Join(dir, "init.d"), ConfDir: filepath.Join(dir, "conf.d")})

	u := Unit{Name: "qbittorrent", ExecStart: "/usr/bin/qbittorrent-nox", Environment: map[string]string{"HOME": "/var/lib/qbittorrent"}}
	changed, err := o.Create(context.Background(), u)
	require.NoError(t, err)
	assert.True(t, changed)

	info, err := os.Stat(filepath.Join(dir, "init.d", "qbittorrent"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	conf, err := os.ReadFile(filepath.Join(dir, "conf.d", "qbittorrent"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "export HOME='/var/lib/qbittorrent'\n")

	assert.Equal(t, 1, run.Count("rc-update add qbittorrent default"))
	assert.Equal(t, 1, run.Count("rc-service qbittorrent start"))
}

func TestOpenRC_AlreadyRunning(t *testing.T) {
	run := executiltest.New().
		On("rc-update show", executiltest.Response{Stdout: "  nginx | default\n"})
	j := provision.NewJournal("nginx")
	o := NewOpenRC(run, j, Options{})

	require.NoError(t, o.Enable(context.Background(), "nginx"))
	assert.Zero(t, run.Count("rc-update add"))
	assert.Zero(t, run.Count("rc-service nginx start"))
	assert.Equal(t, provision.Satisfied, j.Steps()[0].Outcome)
}

func TestOpenRC_RestartFailureIsProcessError(t *testing.T) {
	run := executiltest.New().
		On("rc-service nginx restart", executiltest.Response{ExitCode: 1, Stderr: "ERROR: nginx failed to start"})
	o := NewOpenRC(run, nil, Options{})

	err := o.Restart(context.Background(), "nginx")
	require.Error(t, err)
	assert.True(t, provision.IsProcessError(err))
}

func TestDetect_OpenRC(t *testing.T) {
	old := systemdMarker
	systemdMarker = filepath.Join(t.TempDir(), "absent")
	defer func() { systemdMarker = old }()

	run := executiltest.New()
	run.Binaries = map[string]bool{"rc-service": true}
	sup, err := Detect(context.Background(), run, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "openrc", sup.Kind())

	run.Binaries = map[string]bool{}
	_, err = Detect(context.Background(), run, nil, Options{})
	assert.Error(t, err)
}

var _ executil.Runner = (*executiltest.Fake)(nil)
