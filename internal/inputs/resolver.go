package inputs

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"sigs.k8s.io/yaml"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// Type is the declared type of an input.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
)

// Input is one resolved application input. It is immutable once resolved.
type Input struct {
	Name     string
	Type     Type
	Default  interface{}
	Value    interface{}
	Explicit bool // the caller supplied a value (possibly empty)
}

// Resolver coerces raw input values to declared types. Each name resolves
// exactly once per run; later lookups with the same type return the cached
// value, a lookup with a different type is a ConfigError.
type Resolver struct {
	mu       sync.Mutex
	raw      map[string]interface{}
	resolved map[string]*Input
	errs     []error
}

// New creates a resolver over raw values. A key present with an empty
// string is "explicitly empty", a missing key is "absent".
func New(raw map[string]interface{}) *Resolver {
	r := &Resolver{
		raw:      make(map[string]interface{}, len(raw)),
		resolved: make(map[string]*Input),
	}
	for k, v := range raw {
		r.raw[k] = v
	}
	return r
}

// Load reads a YAML or JSON document of inputs and applies overrides of the
// form key=value on top. An empty path means no document.
func Load(path string, overrides []string) (*Resolver, error) {
	raw := map[string]interface{}{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, provision.NewConfigError("", "", fmt.Sprintf("inputs file %s is malformed: %v", path, err))
		}
		if raw == nil {
			raw = map[string]interface{}{}
		}
		logging.Debug("Inputs", "Loaded %d inputs from %s", len(raw), path)
	}
	for _, o := range overrides {
		k, v, ok := strings.Cut(o, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, provision.NewConfigError("", o, "override must have the form key=value")
		}
		raw[k] = v
	}
	return New(raw), nil
}

// String resolves a string input. Numbers and booleans in the document are
// rendered in their canonical text form.
func (r *Resolver) String(name string, def string) (string, error) {
	in, err := r.resolve(name, TypeString, def)
	if err != nil {
		return def, err
	}
	return in.Value.(string), nil
}

// Integer resolves an integer input.
func (r *Resolver) Integer(name string, def int) (int, error) {
	in, err := r.resolve(name, TypeInteger, def)
	if err != nil {
		return def, err
	}
	return in.Value.(int), nil
}

// Boolean resolves a boolean input.
func (r *Resolver) Boolean(name string, def bool) (bool, error) {
	in, err := r.resolve(name, TypeBoolean, def)
	if err != nil {
		return def, err
	}
	return in.Value.(bool), nil
}

// Has reports whether the caller supplied name, even as an empty value.
func (r *Resolver) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.raw[name]
	return ok
}

// Unused returns the supplied input names no lookup has resolved, sorted.
func (r *Resolver) Unused() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name := range r.raw {
		if _, ok := r.resolved[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Resolved returns all inputs resolved so far, sorted by name.
func (r *Resolver) Resolved() []Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Input, 0, len(r.resolved))
	for _, in := range r.resolved {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate returns every resolution error collected so far, joined into one
// ConfigError list, or nil.
func (r *Resolver) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch len(r.errs) {
	case 0:
		return nil
	case 1:
		return r.errs[0]
	}
	msgs := make([]string, 0, len(r.errs))
	for _, e := range r.errs {
		msgs = append(msgs, e.Error())
	}
	return provision.NewConfigError("", "", fmt.Sprintf("%d invalid inputs: %s", len(r.errs), strings.Join(msgs, "; ")))
}

func (r *Resolver) resolve(name string, typ Type, def interface{}) (*Input, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.resolved[name]; ok {
		if in.Type != typ {
			err := provision.NewConfigError(name, "", fmt.Sprintf("declared as %s, requested as %s", in.Type, typ))
			r.errs = append(r.errs, err)
			return nil, err
		}
		return in, nil
	}

	in := &Input{Name: name, Type: typ, Default: def}
	raw, present := r.raw[name]
	if !present || raw == nil {
		in.Value = def
	} else {
		v, err := coerce(name, typ, raw)
		if err != nil {
			r.errs = append(r.errs, err)
			return nil, err
		}
		in.Value = v
		in.Explicit = true
	}
	r.resolved[name] = in
	return in, nil
}

func coerce(name string, typ Type, raw interface{}) (interface{}, error) {
	switch typ {
	case TypeString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case bool:
			return strconv.FormatBool(v), nil
		case float64:
			if v == math.Trunc(v) {
				return strconv.FormatInt(int64(v), 10), nil
			}
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		}
	case TypeInteger:
		switch v := raw.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, provision.NewConfigError(name, fmt.Sprint(v), "is not an integer")
			}
			return int(v), nil
		case string:
			s := strings.TrimSpace(v)
			if s == "" {
				return nil, provision.NewConfigError(name, v, "integer input cannot be empty")
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, provision.NewConfigError(name, v, "is not an integer")
			}
			return n, nil
		}
	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case float64:
			if v == 0 || v == 1 {
				return v == 1, nil
			}
			return nil, provision.NewConfigError(name, fmt.Sprint(v), "is not a boolean")
		case int:
			if v == 0 || v == 1 {
				return v == 1, nil
			}
			return nil, provision.NewConfigError(name, strconv.Itoa(v), "is not a boolean")
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "yes", "on", "1":
				return true, nil
			case "false", "no", "off", "0":
				return false, nil
			case "":
				return nil, provision.NewConfigError(name, v, "boolean input cannot be empty")
			}
			return nil, provision.NewConfigError(name, v, "is not a boolean")
		}
	}
	return nil, provision.NewConfigError(name, fmt.Sprint(raw), fmt.Sprintf("cannot be used as %s", typ))
}

// HostAddress returns the externally provided address of this container,
// falling back to localhost.
func HostAddress() string {
	if ip := strings.TrimSpace(os.Getenv("CONTAINER_IP")); ip != "" {
		return ip
	}
	return "localhost"
}
