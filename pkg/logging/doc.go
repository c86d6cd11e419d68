// Package logging provides the structured logging used by every appstore
// subsystem.
//
// It is a thin layer over Go's log/slog package. Each message is tagged
// with a subsystem name so a provisioning run can be followed step by step:
//
//	logging.Init(logging.LevelInfo, logging.FormatText, os.Stderr)
//
//	logging.Info("Packages", "Installing %d packages", len(names))
//	logging.Warn("EnvFile", "Blocked override of %s", key)
//	logging.Error("Certs", err, "Certificate request failed")
//
// # Subsystems
//
//   - **Engine**: run lifecycle, journal and markers
//   - **Inputs**: input resolution
//   - **Packages**: package manager and repositories
//   - **Filesystem**: users, directories and ownership
//   - **Template**: rendering and atomic writes
//   - **EnvFile**: environment composition
//   - **Supervisor**: service units
//   - **Acquire**: installer scripts, downloads and registry pulls
//   - **Readiness**: health polling
//   - **Certs**: certificate lifecycle
//
// # Results
//
// Output writes "OUTPUT key=value" lines to the result stream (stdout by
// default). These are not log records: they carry values such as generated
// passwords that the caller must surface to the operator.
package logging
