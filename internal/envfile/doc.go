// Package envfile composes and persists service environment files.
//
// Composition has a fixed precedence. Security defaults are applied first,
// then structured inputs, then free-form KEY=VALUE text supplied by the
// user. Keys in the builder's protected set can never be overridden by a
// later source: an attempt is dropped with a warning, whatever the case of
// the key. Free-form parsing is strict: malformed lines become
// provision.EnvParseError diagnostics rather than being skipped silently.
//
// Files are written in dotenv format with mode 0600 through an atomic
// rename.
package envfile
