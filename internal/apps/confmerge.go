package apps

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// A configSetting is one key an app owns inside a file the daemon also
// writes. Default settings only fill a missing key and never replace what
// the daemon or a user stored.
type configSetting struct {
	Section string
	Key     string
	Value   string
	Default bool
}

func isINIHeader(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]")
}

// mergeINI applies settings to an INI or plain key=value document. Lines it
// does not own are kept byte for byte. Keys before the first header belong
// to section "".
func mergeINI(data []byte, settings []configSetting) ([]byte, bool) {
	var lines []string
	if text := strings.TrimSuffix(string(data), "\n"); text != "" {
		lines = strings.Split(text, "\n")
	}
	done := make([]bool, len(settings))
	changed := false
	section := ""
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if isINIHeader(t) {
			section = t[1 : len(t)-1]
			continue
		}
		if strings.HasPrefix(t, "#") || strings.HasPrefix(t, ";") {
			continue
		}
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		for j, s := range settings {
			if done[j] || s.Section != section || s.Key != k {
				continue
			}
			done[j] = true
			if !s.Default && strings.TrimSpace(v) != s.Value {
				lines[i] = s.Key + "=" + s.Value
				changed = true
			}
			break
		}
	}
	for j, s := range settings {
		if !done[j] {
			lines = insertINI(lines, s.Section, s.Key+"="+s.Value)
			changed = true
		}
	}
	if !changed {
		return data, false
	}
	return []byte(strings.Join(lines, "\n") + "\n"), true
}

// insertINI adds entry after the last non-blank line of section, appending
// the section when it does not exist.
func insertINI(lines []string, section, entry string) []string {
	found := section == ""
	last := -1
	current := ""
	for i, line := range lines {
		if isINIHeader(line) {
			current = strings.TrimSpace(line)
			current = current[1 : len(current)-1]
			if current == section {
				found, last = true, i
			}
			continue
		}
		if current == section && strings.TrimSpace(line) != "" {
			last = i
		}
	}
	if !found {
		if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) != "" {
			lines = append(lines, "")
		}
		return append(lines, "["+section+"]", entry)
	}
	at := last + 1
	lines = append(lines, "")
	copy(lines[at+1:], lines[at:])
	lines[at] = entry
	return lines
}

var xmlAttrRe = regexp.MustCompile(`\s([A-Za-z_][\w.:-]*)="([^"]*)"`)

// setXMLAttrs applies settings to the attributes of the first element
// named elem. Values are raw attribute text and must be escaped already.
func setXMLAttrs(data []byte, elem string, settings []configSetting) ([]byte, bool, error) {
	re := regexp.MustCompile(`<` + regexp.QuoteMeta(elem) + `(\s[^>]*?)?\s*(/?)>`)
	loc := re.FindSubmatchIndex(data)
	if loc == nil {
		return nil, false, fmt.Errorf("no <%s> element", elem)
	}
	attrs := ""
	if loc[2] >= 0 {
		attrs = string(data[loc[2]:loc[3]])
	}
	changed := false
	for _, s := range settings {
		found := false
		for _, m := range xmlAttrRe.FindAllStringSubmatchIndex(attrs, -1) {
			if attrs[m[2]:m[3]] == s.Key {
				found = true
				if !s.Default && attrs[m[4]:m[5]] != s.Value {
					attrs = attrs[:m[4]] + s.Value + attrs[m[5]:]
					changed = true
				}
				break
			}
		}
		if !found {
			attrs += fmt.Sprintf(` %s="%s"`, s.Key, s.Value)
			changed = true
		}
	}
	if !changed {
		return data, false, nil
	}
	closing := string(data[loc[4]:loc[5]])
	var out bytes.Buffer
	out.Write(data[:loc[0]])
	fmt.Fprintf(&out, "<%s%s%s>", elem, attrs, closing)
	out.Write(data[loc[1]:])
	return out.Bytes(), true, nil
}

// setXMLElements applies settings to child elements of the document root.
// A value is raw element content. Missing elements are added before the
// closing root tag.
func setXMLElements(data []byte, settings []configSetting) ([]byte, bool, error) {
	out := data
	changed := false
	for _, s := range settings {
		name := regexp.QuoteMeta(s.Key)
		present := regexp.MustCompile(`<` + name + `(\s*/)?>`).Match(out)
		if present {
			if s.Default {
				continue
			}
			text := regexp.MustCompile(`<` + name + `>([^<]*)</` + name + `>`)
			loc := text.FindSubmatchIndex(out)
			if loc == nil || string(out[loc[2]:loc[3]]) == s.Value {
				continue
			}
			out = append(append(append([]byte{}, out[:loc[2]]...), s.Value...), out[loc[3]:]...)
			changed = true
			continue
		}
		end := bytes.LastIndex(out, []byte("</"))
		if end < 0 {
			return nil, false, fmt.Errorf("no closing root element")
		}
		line := fmt.Sprintf("  <%s>%s</%s>\n", s.Key, s.Value, s.Key)
		out = append(append(append([]byte{}, out[:end]...), line...), out[end:]...)
		changed = true
	}
	return out, changed, nil
}

// yamlSet sets the scalar at path below the mapping m. It reports whether m
// changed. Paths that run into a non-mapping value, such as an !include, are
// left alone.
func yamlSet(m *yaml.Node, path []string, value, tag string) bool {
	for i, key := range path {
		var child *yaml.Node
		for j := 0; j+1 < len(m.Content); j += 2 {
			if m.Content[j].Value == key {
				child = m.Content[j+1]
				break
			}
		}
		last := i == len(path)-1
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			if last {
				child = &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
			}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
			if last {
				return true
			}
			m = child
			continue
		}
		if last {
			if child.Kind != yaml.ScalarNode || child.Value == value {
				return false
			}
			child.Value, child.Tag, child.Style = value, tag, 0
			return true
		}
		if child.Kind == yaml.ScalarNode && child.Tag == "!!null" {
			child.Kind, child.Tag, child.Value = yaml.MappingNode, "!!map", ""
		}
		if child.Kind != yaml.MappingNode {
			return false
		}
		m = child
	}
	return false
}

// yamlHas reports whether the mapping m has key.
func yamlHas(m *yaml.Node, key string) bool {
	for j := 0; j+1 < len(m.Content); j += 2 {
		if m.Content[j].Value == key {
			return true
		}
	}
	return false
}

// mergeYAML decodes data, lets edit change the top level mapping and
// re-encodes only when edit reports a change.
func mergeYAML(data []byte, edit func(root *yaml.Node) bool) ([]byte, bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, false, fmt.Errorf("top level is not a mapping")
	}
	if !edit(doc.Content[0]) {
		return data, false, nil
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, false, err
	}
	if err := enc.Close(); err != nil {
		return nil, false, err
	}
	return buf.Bytes(), true, nil
}
