package manifest

import (
	"fmt"
	"sort"
	"strings"
)

// Element is one clause of a header value.
type Element struct {
	Values     []string
	Attributes map[string]string
	Directives map[string]string
}

// Value returns the first clause path.
func (e Element) Value() string {
	if len(e.Values) == 0 {
		return ""
	}
	return e.Values[0]
}

// String renders the element back in clause syntax with attributes and
// directives sorted by name.
func (e Element) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(e.Values, ";"))
	for _, k := range sortedKeys(e.Directives) {
		fmt.Fprintf(&b, ";%s:=%s", k, quote(e.Directives[k]))
	}
	for _, k := range sortedKeys(e.Attributes) {
		fmt.Fprintf(&b, ";%s=%s", k, quote(e.Attributes[k]))
	}
	return b.String()
}

// ParseHeader parses a comma separated clause list. Attribute names may carry
// a type suffix (name:Type=value); the suffix is kept as part of the name.
func ParseHeader(value string) ([]Element, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	clauses, err := split(value, ',')
	if err != nil {
		return nil, err
	}
	elements := make([]Element, 0, len(clauses))
	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, fmt.Errorf("empty clause in %q", value)
		}
		parts, err := split(clause, ';')
		if err != nil {
			return nil, err
		}
		var el Element
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, val, directive, ok := parseParam(part)
			if !ok {
				if len(el.Attributes) > 0 || len(el.Directives) > 0 {
					return nil, fmt.Errorf("path %q after parameters in clause %q", part, clause)
				}
				el.Values = append(el.Values, part)
				continue
			}
			if directive {
				if el.Directives == nil {
					el.Directives = make(map[string]string)
				}
				el.Directives[name] = val
			} else {
				if el.Attributes == nil {
					el.Attributes = make(map[string]string)
				}
				el.Attributes[name] = val
			}
		}
		if len(el.Values) == 0 {
			return nil, fmt.Errorf("clause %q has no path", clause)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

// parseParam splits name=value or name:=value, unquoting the value.
func parseParam(part string) (name, value string, directive, ok bool) {
	eq := strings.IndexByte(part, '=')
	if eq <= 0 {
		return "", "", false, false
	}
	name = strings.TrimSpace(part[:eq])
	if strings.HasSuffix(name, ":") {
		directive = true
		name = strings.TrimSpace(strings.TrimSuffix(name, ":"))
	}
	if name == "" || strings.ContainsAny(name, "\" ") {
		return "", "", false, false
	}
	value = strings.TrimSpace(part[eq+1:])
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
	}
	return name, value, directive, true
}

// split separates s on sep outside of double quotes.
func split(s string, sep byte) ([]string, error) {
	var out []string
	inQuote := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	return append(out, s[start:]), nil
}

func quote(v string) string {
	if strings.ContainsAny(v, ",;:=\" ") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
