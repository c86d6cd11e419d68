// Package pkgmgr installs distribution packages and registers third-party
// repositories on apt, apk and dnf hosts.
//
// Every operation probes the host first. Packages that are installed and
// repositories whose definition and key already match are reported as
// already satisfied, so a repeated run does not touch the package database.
package pkgmgr
