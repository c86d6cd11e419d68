package template

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"text/template"
	"text/template/parse"

	"github.com/Masterminds/sprig/v3"

	"appstore/internal/provision"
	"appstore/pkg/logging"
)

// Engine renders provision files. Templates use text/template syntax with
// the sprig function map; bindings are referenced as {{ .name }}.
type Engine struct {
	funcs template.FuncMap
	rec   provision.Recorder
}

// New creates a new template engine that reports file writes to rec.
func New(rec provision.Recorder) *Engine {
	if rec == nil {
		rec = provision.Discard
	}
	funcs := sprig.TxtFuncMap()
	// env lookups would make rendering depend on the caller's process
	delete(funcs, "env")
	delete(funcs, "expandenv")
	return &Engine{funcs: funcs, rec: rec}
}

func (e *Engine) parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Funcs(e.funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return t, nil
}

// Render substitutes vars into text. It has no side effects. Every variable
// the template references without a binding is reported at once in a
// MissingVariableError.
func (e *Engine) Render(name, text string, vars map[string]interface{}) ([]byte, error) {
	t, err := e.parse(name, text)
	if err != nil {
		return nil, err
	}
	if err := validate(name, t, vars); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// ValidateContext checks that vars binds every variable text references
// without rendering it.
func (e *Engine) ValidateContext(name, text string, vars map[string]interface{}) error {
	t, err := e.parse(name, text)
	if err != nil {
		return err
	}
	return validate(name, t, vars)
}

// WriteFile renders text and writes the result atomically to dest. A
// destination that already holds identical bytes and mode is left untouched
// and reported as already satisfied.
func (e *Engine) WriteFile(dest, name, text string, vars map[string]interface{}, mode os.FileMode) error {
	return provision.Track(e.rec, "file", dest, func() (bool, error) {
		out, err := e.Render(name, text, vars)
		if err != nil {
			return false, err
		}
		changed, err := provision.EnsureFile(dest, out, mode)
		if err != nil {
			return false, err
		}
		if changed {
			logging.Info("Template", "Rendered %s to %s", name, dest)
		} else {
			logging.Debug("Template", "%s is up to date", dest)
		}
		return changed, nil
	})
}

func validate(name string, t *template.Template, vars map[string]interface{}) error {
	var missing []string
	for _, v := range variables(t) {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return &provision.MissingVariableError{Template: name, Variables: missing}
	}
	return nil
}

func variables(t *template.Template) []string {
	seen := make(map[string]bool)
	for _, tmpl := range t.Templates() {
		if tmpl.Tree != nil && tmpl.Tree.Root != nil {
			walk(tmpl.Tree.Root, seen, false)
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// walk collects the first identifier of every field reference made while
// dot is still the root binding map, and of every $-rooted reference.
// Inside range and with, dot is rebound, so only their pipelines are
// inspected for dot fields.
func walk(node parse.Node, seen map[string]bool, rebound bool) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walk(c, seen, rebound)
		}
	case *parse.ActionNode:
		walk(n.Pipe, seen, rebound)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			walk(c, seen, rebound)
		}
	case *parse.CommandNode:
		for _, a := range n.Args {
			walk(a, seen, rebound)
		}
	case *parse.FieldNode:
		if !rebound && len(n.Ident) > 0 {
			seen[n.Ident[0]] = true
		}
	case *parse.VariableNode:
		// $ is the root binding map, inside range and with too
		if len(n.Ident) > 1 && n.Ident[0] == "$" {
			seen[n.Ident[1]] = true
		}
	case *parse.ChainNode:
		walk(n.Node, seen, rebound)
	case *parse.IfNode:
		walk(n.Pipe, seen, rebound)
		walk(n.List, seen, rebound)
		walk(n.ElseList, seen, rebound)
	case *parse.RangeNode:
		walk(n.Pipe, seen, rebound)
		walk(n.List, seen, true)
		walk(n.ElseList, seen, rebound)
	case *parse.WithNode:
		walk(n.Pipe, seen, rebound)
		walk(n.List, seen, true)
		walk(n.ElseList, seen, rebound)
	case *parse.TemplateNode:
		walk(n.Pipe, seen, rebound)
	}
}
