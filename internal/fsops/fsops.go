package fsops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"appstore/internal/executil"
	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "Filesystem"

// lookupUser and lookupGroup are variables to allow mocking in tests
var (
	lookupUser  = user.Lookup
	lookupGroup = user.LookupGroup
)

// Ops applies filesystem and identity changes. Every method is idempotent on
// the identity of its target.
type Ops struct {
	run      executil.Runner
	rec      provision.Recorder
	accounts Accounts
}

// Accounts looks up users and groups by name. Nil funcs use the system
// account databases.
type Accounts struct {
	User  func(name string) (*user.User, error)
	Group func(name string) (*user.Group, error)
}

// WithAccounts makes o resolve names through a.
func (o *Ops) WithAccounts(a Accounts) *Ops {
	o.accounts = a
	return o
}

func (o *Ops) lookupUser(name string) (*user.User, error) {
	if o.accounts.User != nil {
		return o.accounts.User(name)
	}
	return lookupUser(name)
}

func (o *Ops) lookupGroup(name string) (*user.Group, error) {
	if o.accounts.Group != nil {
		return o.accounts.Group(name)
	}
	return lookupGroup(name)
}

// New creates Ops.
func New(run executil.Runner, rec provision.Recorder) *Ops {
	if rec == nil {
		rec = provision.Discard
	}
	return &Ops{run: run, rec: rec}
}

// UserSpec describes a service account.
type UserSpec struct {
	Name   string
	System bool
	Home   string
	Shell  string
	Groups []string
}

// CreateUser creates the account unless it exists. Supplementary groups are
// ensured either way.
func (o *Ops) CreateUser(ctx context.Context, spec UserSpec) error {
	return provision.Track(o.rec, "user", spec.Name, func() (bool, error) {
		changed := false
		if _, err := o.lookupUser(spec.Name); err != nil {
			var unknown user.UnknownUserError
			if !errors.As(err, &unknown) {
				return false, fmt.Errorf("failed to look up user %s: %w", spec.Name, err)
			}
			if err := o.useradd(ctx, spec); err != nil {
				return false, err
			}
			logging.Info(subsystem, "Created user %s", spec.Name)
			changed = true
		}
		for _, g := range spec.Groups {
			added, err := o.addToGroup(ctx, spec.Name, g)
			if err != nil {
				return changed, err
			}
			changed = changed || added
		}
		return changed, nil
	})
}

func (o *Ops) useradd(ctx context.Context, spec UserSpec) error {
	shell := spec.Shell
	if shell == "" {
		shell = "/usr/sbin/nologin"
	}
	if executil.Has(o.run, "useradd") {
		args := []string{"--shell", shell}
		if spec.System {
			args = append(args, "--system")
		}
		if spec.Home != "" {
			args = append(args, "--home-dir", spec.Home, "--create-home")
		} else {
			args = append(args, "--no-create-home")
		}
		args = append(args, "--user-group", spec.Name)
		return executil.MustSucceed(ctx, o.run, "create user "+spec.Name, executil.Command{Name: "useradd", Args: args})
	}

	// BusyBox adduser (Alpine)
	if _, err := o.lookupGroup(spec.Name); err != nil {
		if err := executil.MustSucceed(ctx, o.run, "create group "+spec.Name, groupaddCmd(spec)); err != nil {
			return err
		}
	}
	args := []string{"-D", "-s", shell, "-G", spec.Name}
	if spec.System {
		args = append(args, "-S")
	}
	if spec.Home != "" {
		args = append(args, "-h", spec.Home)
	} else {
		args = append(args, "-H")
	}
	args = append(args, spec.Name)
	return executil.MustSucceed(ctx, o.run, "create user "+spec.Name, executil.Command{Name: "adduser", Args: args})
}

func groupaddCmd(spec UserSpec) executil.Command {
	if spec.System {
		return executil.Command{Name: "addgroup", Args: []string{"-S", spec.Name}}
	}
	return executil.Command{Name: "addgroup", Args: []string{spec.Name}}
}

func (o *Ops) addToGroup(ctx context.Context, name, group string) (bool, error) {
	u, err := o.lookupUser(name)
	if err == nil {
		if gids, err := u.GroupIds(); err == nil {
			if g, err := o.lookupGroup(group); err == nil {
				for _, id := range gids {
					if id == g.Gid {
						return false, nil
					}
				}
			}
		}
	}
	cmd := executil.Command{Name: "usermod", Args: []string{"-aG", group, name}}
	if !executil.Has(o.run, "usermod") {
		cmd = executil.Command{Name: "addgroup", Args: []string{name, group}}
	}
	if err := executil.MustSucceed(ctx, o.run, fmt.Sprintf("add %s to group %s", name, group), cmd); err != nil {
		return false, err
	}
	return true, nil
}

// CreateDir ensures path exists as a directory with mode. When owner is set
// ("user" or "user:group") ownership of the directory itself is ensured.
func (o *Ops) CreateDir(path string, mode os.FileMode, owner string) error {
	if mode == 0 {
		mode = 0755
	}
	return provision.Track(o.rec, "dir", path, func() (bool, error) {
		changed := false
		info, err := os.Stat(path)
		switch {
		case err == nil && !info.IsDir():
			return false, fmt.Errorf("%s exists and is not a directory", path)
		case err == nil:
			if info.Mode().Perm() != mode.Perm() {
				if err := os.Chmod(path, mode); err != nil {
					return false, err
				}
				changed = true
			}
		case errors.Is(err, fs.ErrNotExist):
			if err := os.MkdirAll(path, mode); err != nil {
				return false, fmt.Errorf("failed to create %s: %w", path, err)
			}
			// MkdirAll is subject to the umask
			if err := os.Chmod(path, mode); err != nil {
				return false, err
			}
			changed = true
		default:
			return false, err
		}

		if owner != "" {
			uid, gid, err := o.resolveOwner(owner)
			if err != nil {
				return changed, err
			}
			chowned, err := chownOne(path, uid, gid)
			if err != nil {
				return changed, err
			}
			changed = changed || chowned
		}
		return changed, nil
	})
}

// Chown sets ownership of path, optionally for the whole tree. Callers run it
// after everything that needs that ownership exists.
func (o *Ops) Chown(path, owner string, recursive bool) error {
	return provision.Track(o.rec, "chown", path, func() (bool, error) {
		uid, gid, err := o.resolveOwner(owner)
		if err != nil {
			return false, err
		}
		if !recursive {
			return chownOne(path, uid, gid)
		}
		changed := false
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			c, err := chownOne(p, uid, gid)
			changed = changed || c
			return err
		})
		return changed, err
	})
}

func (o *Ops) resolveOwner(owner string) (int, int, error) {
	name, group, hasGroup := strings.Cut(owner, ":")
	u, err := o.lookupUser(name)
	if err != nil {
		return 0, 0, fmt.Errorf("unknown owner %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric uid for %s", name)
	}
	gidStr := u.Gid
	if hasGroup && group != "" {
		g, err := o.lookupGroup(group)
		if err != nil {
			return 0, 0, fmt.Errorf("unknown group %s: %w", group, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return 0, 0, fmt.Errorf("non-numeric gid for %s", owner)
	}
	return uid, gid, nil
}

// Symlink points link at target, replacing link only when it points
// elsewhere. A regular file or directory at link is replaced as well.
func (o *Ops) Symlink(target, link string) error {
	return provision.Track(o.rec, "symlink", link, func() (bool, error) {
		if current, err := os.Readlink(link); err == nil && current == target {
			return false, nil
		}
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return false, err
		}
		tmp := link + ".appstore-tmp"
		_ = os.Remove(tmp)
		if err := os.Symlink(target, tmp); err != nil {
			return false, fmt.Errorf("failed to create symlink %s: %w", link, err)
		}
		if info, err := os.Lstat(link); err == nil && info.IsDir() {
			if err := os.RemoveAll(link); err != nil {
				_ = os.Remove(tmp)
				return false, err
			}
		}
		if err := os.Rename(tmp, link); err != nil {
			_ = os.Remove(tmp)
			return false, fmt.Errorf("failed to replace %s: %w", link, err)
		}
		return true, nil
	})
}

// Remove deletes path recursively. A missing path is already satisfied.
func (o *Ops) Remove(path string) error {
	return provision.Track(o.rec, "remove", path, func() (bool, error) {
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err := os.RemoveAll(path); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Touch creates an empty file unless path exists. Existing content and
// timestamps are left alone.
func (o *Ops) Touch(path string, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	return provision.Track(o.rec, "file", path, func() (bool, error) {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return false, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, mode)
		if err != nil {
			return false, err
		}
		return true, f.Close()
	})
}

// WriteFile writes data to path atomically unless it already holds the same
// bytes and mode.
func (o *Ops) WriteFile(path string, data []byte, mode os.FileMode) error {
	return provision.Track(o.rec, "file", path, func() (bool, error) {
		return provision.EnsureFile(path, data, mode)
	})
}

// CopyFile copies src to dst with mode, skipping identical content.
func (o *Ops) CopyFile(src, dst string, mode os.FileMode) error {
	return provision.Track(o.rec, "file", dst, func() (bool, error) {
		data, err := os.ReadFile(src)
		if err != nil {
			return false, err
		}
		return provision.EnsureFile(dst, data, mode)
	})
}
