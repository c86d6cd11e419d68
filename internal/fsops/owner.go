package fsops

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// chownOne changes ownership of path (not following symlinks) when it
// differs from uid:gid.
func chownOne(path string, uid, gid int) (bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if int(st.Uid) == uid && int(st.Gid) == gid {
		return false, nil
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return false, fmt.Errorf("failed to chown %s: %w", path, err)
	}
	return true, nil
}

// Owner returns the numeric owner of path.
func Owner(path string) (uid, gid int, err error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, 0, err
	}
	return int(st.Uid), int(st.Gid), nil
}
