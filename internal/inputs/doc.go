// Package inputs resolves the typed inputs of an application.
//
// Inputs come from an optional YAML or JSON document plus key=value
// overrides. Every input is declared at the point of use with a type and a
// default:
//
//	url, err := r.String("url", "")
//	port, err := r.Integer("port_https", 443)
//
// An absent key yields the default; a key present with an empty value yields
// the empty value. Values that cannot be coerced produce a
// provision.ConfigError rather than falling back to the default, and an
// input resolves once per run: asking for it again with another type is an
// error as well.
package inputs
