package acquire

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// ExtractTarball unpacks a gzip compressed tarball into dest, dropping the
// first strip path components of every entry. Existing files are
// overwritten; entries escaping dest are rejected.
func (a *Acquirer) ExtractTarball(src, dest string, strip int) error {
	return provision.Track(a.rec, "extract", dest, func() (bool, error) {
		n, err := extractTarball(src, dest, strip)
		if err != nil {
			return false, err
		}
		logging.Info(subsystem, "Extracted %d entries from %s into %s", n, filepath.Base(src), dest)
		return n > 0, nil
	})
}

func extractTarball(src, dest string, strip int) (int, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("%s is not a gzip archive: %w", src, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return 0, err
	}
	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, err
	}

	tr := tar.NewReader(gz)
	count := 0
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("corrupt archive %s: %w", src, err)
		}

		name := stripComponents(h.Name, strip)
		if name == "" {
			continue
		}
		target := filepath.Join(root, name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return count, fmt.Errorf("archive entry %q escapes %s", h.Name, dest)
		}

		switch h.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(h.Mode)&os.ModePerm|0700); err != nil {
				return count, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, err
			}
			if err := writeEntry(target, tr, os.FileMode(h.Mode)&os.ModePerm); err != nil {
				return count, err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(h.Linkname) || !withinRoot(root, filepath.Join(filepath.Dir(target), h.Linkname)) {
				logging.Debug(subsystem, "Skipping symlink %s -> %s outside the archive root", h.Name, h.Linkname)
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, err
			}
			_ = os.Remove(target)
			if err := os.Symlink(h.Linkname, target); err != nil {
				return count, err
			}
		default:
			// hard links, devices and fifos are not needed for app payloads
			continue
		}
		count++
	}
	return count, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	w, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func stripComponents(name string, n int) string {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) <= n {
		return ""
	}
	return filepath.Join(parts[n:]...)
}

func withinRoot(root, path string) bool {
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}
