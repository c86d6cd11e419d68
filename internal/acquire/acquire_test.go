package acquire

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/crane"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appstore/internal/executil"
	"appstore/internal/executil/executiltest"
	"appstore/internal/provision"
)

func newTestAcquirer(run executil.Runner, rec provision.Recorder) *Acquirer {
	return New(run, rec, Options{
		Attempts: 3,
		Retry:    executil.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
		Platform: "linux/amd64",
	})
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	data, err := newTestAcquirer(executiltest.New(), nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestFetch_BoundedAndClientErrorsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := newTestAcquirer(executiltest.New(), nil)

	_, err := a.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, provision.IsDependencyError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	atomic.StoreInt32(&hits, 0)
	_, err = a.Fetch(context.Background(), srv.URL+"/down")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits), "never more than the configured attempts")
}

func TestDownload_Idempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#!/bin/sh\necho renew\n"))
	}))
	defer srv.Close()

	j := provision.NewJournal("test")
	a := newTestAcquirer(executiltest.New(), j)
	dest := filepath.Join(t.TempDir(), "certbot-renew")

	require.NoError(t, a.Download(context.Background(), srv.URL, dest, 0755))
	require.NoError(t, a.Download(context.Background(), srv.URL, dest, 0755))

	steps := j.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, provision.Applied, steps[0].Outcome)
	assert.Equal(t, provision.Satisfied, steps[1].Outcome)
}

func TestRunInstallerScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#!/bin/sh\nexit 0\n"))
	}))
	defer srv.Close()

	var staged string
	fake := executiltest.New().On("bash", executiltest.Response{Do: func(cmd executil.Command) {
		data, err := os.ReadFile(cmd.Args[0])
		if err == nil {
			staged = string(data)
		}
	}})

	a := newTestAcquirer(fake, nil)
	require.NoError(t, a.RunInstallerScript(context.Background(), srv.URL+"/install.sh", "--unattended"))

	require.Len(t, fake.Commands, 1)
	assert.Equal(t, "bash", fake.Commands[0].Name)
	assert.Equal(t, "--unattended", fake.Commands[0].Args[1])
	assert.Equal(t, "#!/bin/sh\nexit 0\n", staged)

	_, err := os.Stat(fake.Commands[0].Args[0])
	assert.True(t, os.IsNotExist(err), "staged script is removed")
}

func TestRunInstallerScript_FailureIsDependencyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("exit 1\n"))
	}))
	defer srv.Close()

	fake := executiltest.New().On("bash", executiltest.Response{ExitCode: 1})
	err := newTestAcquirer(fake, nil).RunInstallerScript(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, provision.IsDependencyError(err))
}

func TestRunShell(t *testing.T) {
	fake := executiltest.New()
	require.NoError(t, newTestAcquirer(fake, nil).RunShell(context.Background(), "curl -sSL https://install.pi-hole.net | bash /dev/stdin --unattended"))
	assert.Equal(t, []string{"sh -c curl -sSL https://install.pi-hole.net | bash /dev/stdin --unattended"}, fake.Lines())
}

func writeTarGz(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0755}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestExtractTarball_StripComponents(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "proxy-confs.tar.gz")
	writeTarGz(t, src, map[string]string{
		"linuxserver-reverse-proxy-confs-abc/":                                  "",
		"linuxserver-reverse-proxy-confs-abc/jellyfin.subdomain.conf.sample":    "server {}",
		"linuxserver-reverse-proxy-confs-abc/nested/plex.subfolder.conf.sample": "location {}",
	})

	dest := filepath.Join(dir, "proxy-confs")
	require.NoError(t, newTestAcquirer(executiltest.New(), nil).ExtractTarball(src, dest, 1))

	data, err := os.ReadFile(filepath.Join(dest, "jellyfin.subdomain.conf.sample"))
	require.NoError(t, err)
	assert.Equal(t, "server {}", string(data))
	_, err = os.Stat(filepath.Join(dest, "nested", "plex.subfolder.conf.sample"))
	assert.NoError(t, err)
}

func TestExtractTarball_RejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "evil.tar.gz")
	writeTarGz(t, src, map[string]string{"top/../../escape.txt": "x"})

	err := newTestAcquirer(executiltest.New(), nil).ExtractTarball(src, filepath.Join(dir, "out"), 1)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractTarball_NotGzip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "plain.tar.gz")
	require.NoError(t, os.WriteFile(src, []byte("not gzip"), 0644))
	err := newTestAcquirer(executiltest.New(), nil).ExtractTarball(src, t.TempDir(), 0)
	require.Error(t, err)
}

func pushTestImage(t *testing.T, host string, files map[string][]byte, entrypoint []string) string {
	t.Helper()
	img, err := crane.Image(files)
	require.NoError(t, err)
	img, err = mutate.Config(img, v1.Config{Entrypoint: entrypoint})
	require.NoError(t, err)

	ref := host + "/qmcgaw/gluetun:latest"
	require.NoError(t, crane.Push(img, ref))
	return ref
}

func TestPullBinary_Entrypoint(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	binary := []byte("\x7fELF gluetun")
	ref := pushTestImage(t, host, map[string][]byte{
		"gluetun-entrypoint": binary,
		"etc/alpine-release": []byte("3.20.0\n"),
	}, []string{"/gluetun-entrypoint"})

	j := provision.NewJournal("gluetun")
	a := newTestAcquirer(executiltest.New(), j)
	dest := filepath.Join(t.TempDir(), "gluetun-entrypoint")

	require.NoError(t, a.PullBinary(context.Background(), ref, dest, PullOptions{}))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, binary, data)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	require.NoError(t, a.PullBinary(context.Background(), ref, dest, PullOptions{}))
	steps := j.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, provision.Applied, steps[0].Outcome)
	assert.Equal(t, provision.Satisfied, steps[1].Outcome)
}

func TestPullBinary_ExplicitPathAndMissing(t *testing.T) {
	srv := httptest.NewServer(registry.New())
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	ref := pushTestImage(t, host, map[string][]byte{"usr/bin/tool": []byte("tool")}, nil)
	a := newTestAcquirer(executiltest.New(), nil)
	dir := t.TempDir()

	require.NoError(t, a.PullBinary(context.Background(), ref, filepath.Join(dir, "tool"), PullOptions{Path: "/usr/bin/tool"}))

	err := a.PullBinary(context.Background(), ref, filepath.Join(dir, "none"), PullOptions{})
	require.Error(t, err)
	assert.True(t, provision.IsDependencyError(err))
	assert.Contains(t, err.Error(), "no entrypoint")

	err = a.PullBinary(context.Background(), ref, filepath.Join(dir, "none"), PullOptions{Path: "/missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in image")
}
