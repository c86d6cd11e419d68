package acquire

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/crane"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// RegistryOption adjusts how images are fetched.
type RegistryOption = crane.Option

// WithRegistryOptions appends crane options to every pull, e.g. a custom
// transport.
func (a *Acquirer) WithRegistryOptions(opts ...RegistryOption) *Acquirer {
	a.registryOpts = append(a.registryOpts, opts...)
	return a
}

// PullOptions selects what PullBinary extracts.
type PullOptions struct {
	// Path inside the image; empty means the first entrypoint element.
	Path string
	// Mode of the written binary, 0755 when zero.
	Mode os.FileMode
}

// PullBinary extracts one file from a container image straight from the
// registry, without a container runtime: the manifest for this platform is
// resolved, the layers are flattened and the file is written atomically.
// When dest already holds the same bytes the step is already satisfied.
func (a *Acquirer) PullBinary(ctx context.Context, image, dest string, opts PullOptions) error {
	return provision.Track(a.rec, "image", image, func() (bool, error) {
		data, err := a.pullFile(ctx, image, opts.Path)
		if err != nil {
			return false, provision.NewDependencyError("image", image, err)
		}
		mode := opts.Mode
		if mode == 0 {
			mode = 0755
		}

		sum := sha256.Sum256(data)
		changed, err := provision.EnsureFile(dest, data, mode)
		if err != nil {
			return false, err
		}
		if changed {
			logging.Info(subsystem, "Installed %s from %s (sha256:%x)", dest, image, sum[:6])
		} else {
			logging.Info(subsystem, "%s already matches %s", dest, image)
		}
		return changed, nil
	})
}

func (a *Acquirer) platformSpec() (*v1.Platform, error) {
	spec := a.platform
	if spec == "" {
		spec = "linux/" + runtime.GOARCH
	}
	return v1.ParsePlatform(spec)
}

func (a *Acquirer) pullFile(ctx context.Context, image, file string) ([]byte, error) {
	platform, err := a.platformSpec()
	if err != nil {
		return nil, err
	}
	opts := []crane.Option{
		crane.WithAuthFromKeychain(authn.DefaultKeychain),
		crane.WithContext(ctx),
		crane.WithPlatform(platform),
	}
	opts = append(opts, a.registryOpts...)

	logging.Info(subsystem, "Pulling %s for %s", image, platform)
	img, err := crane.Pull(image, opts...)
	if err != nil {
		return nil, fmt.Errorf("pull %q: %w", image, err)
	}

	if file == "" {
		cfg, err := img.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("read image config: %w", err)
		}
		if len(cfg.Config.Entrypoint) == 0 {
			return nil, errors.New("image has no entrypoint and no path was given")
		}
		file = cfg.Config.Entrypoint[0]
	}
	want := strings.TrimPrefix(path.Clean("/"+file), "/")

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(crane.Export(img, pw))
	}()
	defer pr.Close()

	tr := tar.NewReader(pr)
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in image", file)
		}
		if err != nil {
			return nil, fmt.Errorf("export filesystem: %w", err)
		}
		if strings.TrimPrefix(path.Clean("/"+h.Name), "/") != want {
			continue
		}
		if h.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("%s is not a regular file in the image", file)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		return buf.Bytes(), nil
	}
}
