// Package enterprise holds the free-form facts about an enterprise that feed
// section templates. No schema is imposed; templates name the dot-paths they
// consume and everything else is carried along untouched.
package enterprise

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Data is an arbitrarily nested mapping of enterprise facts.
type Data map[string]any

// PathError is returned when a dot-path cannot descend through a value that
// is not a mapping.
type PathError struct {
	Path    string
	Segment string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q: cannot descend into non-mapping at %q", e.Path, e.Segment)
}

// Lookup resolves a dot-path such as "enterprise.contact.phone". It returns
// found=false when any segment is absent, and a *PathError when an
// intermediate value is a scalar or list.
func (d Data) Lookup(path string) (value any, found bool, err error) {
	if d == nil {
		return nil, false, nil
	}
	var cur any = map[string]any(d)
	segments := strings.Split(path, ".")
	for i, seg := range segments {
		m, ok := asMap(cur)
		if !ok {
			return nil, false, &PathError{Path: path, Segment: strings.Join(segments[:i], ".")}
		}
		next, present := m[seg]
		if !present {
			return nil, false, nil
		}
		cur = next
	}
	if cur == nil {
		return nil, false, nil
	}
	return cur, true, nil
}

// asMap accepts the map shapes produced by JSON and YAML decoders.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Data:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// Name returns the enterprise name when one of the conventional paths resolves.
func (d Data) Name() string {
	for _, p := range []string{"enterprise_name", "enterprise.name", "name", "company.name"} {
		if v, ok, err := d.Lookup(p); err == nil && ok {
			if s := Format(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// Binding is one resolved input variable.
type Binding struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Missing bool   `json:"missing,omitempty"`
}

// Project resolves every path in vars, substituting missingValue for absent
// ones. The result preserves the order of vars, so it is independent of the
// key order inside d.
func (d Data) Project(vars []string, missingValue string) ([]Binding, error) {
	out := make([]Binding, 0, len(vars))
	for _, name := range vars {
		v, ok, err := d.Lookup(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, Binding{Name: name, Value: missingValue, Missing: true})
			continue
		}
		out = append(out, Binding{Name: name, Value: Format(v)})
	}
	return out, nil
}

// Format renders a value deterministically for prompts and substitutions.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = Format(item)
		}
		return strings.Join(parts, "、")
	case []string:
		return strings.Join(x, "、")
	}
	if m, ok := asMap(v); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + Format(m[k])
		}
		return strings.Join(parts, "；")
	}
	return fmt.Sprint(v)
}
