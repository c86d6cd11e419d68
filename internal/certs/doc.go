// Package certs manages the TLS certificate an application serves.
//
// The web server is pointed at two stable paths, <keys>/cert.crt and
// <keys>/cert.key. Both are symlinks into <keys>/.current, which is itself a
// symlink to a directory holding one complete pair:
//
//	cert.crt -> .current/cert.crt
//	cert.key -> .current/cert.key
//	.current -> selfsigned | acme-<lineage>-<random>
//
// A new pair is written to a fresh directory, verified, and made live by
// renaming a new .current link over the old one. Readers see either the old
// pair or the new pair.
//
// Issuance is delegated to certbot. The manager builds its arguments, runs
// it, and swaps in the lineage it produced; due dates stay with certbot.
package certs
