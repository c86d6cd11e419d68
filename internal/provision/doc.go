// Package provision holds what every provisioning primitive shares: the
// error taxonomy, step outcomes and the per-run journal, the atomic file
// writer and install markers.
//
// A primitive wraps its work in Track so the outcome (applied,
// already-satisfied or failed) lands in the run's Journal and any attached
// metrics sink:
//
//	err := provision.Track(rec, "dir", path, func() (bool, error) {
//		if exists(path) {
//			return false, nil
//		}
//		return true, os.MkdirAll(path, 0755)
//	})
package provision
