package envfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

const subsystem = "EnvFile"

// FileMode is the permission of every persisted environment file. Env
// files carry credentials.
const FileMode os.FileMode = 0600

var keyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// Map is an environment mapping with unique keys.
type Map map[string]string

// Keys returns the keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry is one parsed free-form KEY=VALUE line.
type Entry struct {
	Line  int
	Key   string
	Value string
}

// Parse splits free-form text into entries. Each line is split on the first
// '='; the key is trimmed and upper-cased, the value is kept verbatim. Blank
// lines and '#' comments are skipped. Malformed lines are returned as
// diagnostics instead of entries.
func Parse(text string) ([]Entry, []*provision.EnvParseError) {
	var (
		entries []Entry
		diags   []*provision.EnvParseError
	)
	for i, raw := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			diags = append(diags, &provision.EnvParseError{Line: lineNo, Text: line, Reason: "missing '='"})
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" {
			diags = append(diags, &provision.EnvParseError{Line: lineNo, Text: line, Reason: "empty key"})
			continue
		}
		if !keyPattern.MatchString(key) {
			diags = append(diags, &provision.EnvParseError{Line: lineNo, Text: line, Reason: "invalid key"})
			continue
		}
		entries = append(entries, Entry{Line: lineNo, Key: key, Value: v})
	}
	return entries, diags
}

// Builder composes an environment with fixed precedence: security defaults,
// then structured inputs, then free-form lines. Keys in the protected set
// keep their default value no matter what later sources say.
type Builder struct {
	protected map[string]bool
	env       Map
	blocked   []string
	diags     []*provision.EnvParseError
}

// NewBuilder starts a builder from the security defaults. protected lists
// the keys later sources may never override.
func NewBuilder(defaults Map, protected ...string) *Builder {
	b := &Builder{
		protected: make(map[string]bool, len(protected)),
		env:       make(Map, len(defaults)),
	}
	for _, k := range protected {
		b.protected[strings.ToUpper(k)] = true
	}
	for k, v := range defaults {
		b.env[k] = v
	}
	return b
}

// IsProtected reports whether key can never be overridden.
func (b *Builder) IsProtected(key string) bool {
	return b.protected[strings.ToUpper(key)]
}

// Set applies a structured input. Protected keys are dropped with a warning.
func (b *Builder) Set(key, value string) *Builder {
	if b.IsProtected(key) {
		b.block(key)
		return b
	}
	b.env[key] = value
	return b
}

// SetIf applies key only when value is non-empty.
func (b *Builder) SetIf(key, value string) *Builder {
	if value == "" {
		return b
	}
	return b.Set(key, value)
}

// MergeFreeForm applies free-form KEY=VALUE text on top of everything set
// so far. Protected keys are dropped with a warning; malformed lines are
// collected as diagnostics for the caller to report.
func (b *Builder) MergeFreeForm(text string) *Builder {
	entries, diags := Parse(text)
	b.diags = append(b.diags, diags...)
	for _, e := range entries {
		if b.IsProtected(e.Key) {
			b.block(e.Key)
			continue
		}
		b.env[e.Key] = e.Value
	}
	return b
}

func (b *Builder) block(key string) {
	logging.Warn(subsystem, "Blocked override of %s (security-critical setting)", strings.ToUpper(key))
	b.blocked = append(b.blocked, strings.ToUpper(key))
}

// Blocked lists the keys whose override attempts were dropped.
func (b *Builder) Blocked() []string {
	return append([]string(nil), b.blocked...)
}

// Diagnostics returns the malformed free-form lines seen so far.
func (b *Builder) Diagnostics() []*provision.EnvParseError {
	return append([]*provision.EnvParseError(nil), b.diags...)
}

// Build returns a copy of the composed environment.
func (b *Builder) Build() Map {
	out := make(Map, len(b.env))
	for k, v := range b.env {
		out[k] = v
	}
	return out
}

// Encode renders m in dotenv format with sorted keys and quoted values.
func Encode(m Map) ([]byte, error) {
	content, err := godotenv.Marshal(m)
	if err != nil {
		return nil, err
	}
	return []byte(content + "\n"), nil
}

// WriteFile persists m to path with mode 0600 through an atomic rename. An
// identical existing file is left untouched.
func WriteFile(rec provision.Recorder, path string, m Map) error {
	return provision.Track(rec, "envfile", path, func() (bool, error) {
		data, err := Encode(m)
		if err != nil {
			return false, fmt.Errorf("failed to encode %s: %w", path, err)
		}
		return provision.EnsureFile(path, data, FileMode)
	})
}

// ReadFile reads an existing env file. A missing file yields an empty map.
func ReadFile(path string) (Map, error) {
	m, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Map{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Map(m), nil
}
