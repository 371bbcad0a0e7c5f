package config

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MissingValue is the placeholder for mandatory values that must be
// supplied by a config file or override.
const MissingValue = "???"

// Tree is a nested configuration mapping. Nested mappings are Tree values
// and sequences are []any. A Tree is treated as a value: every method that
// changes content returns a new Tree and leaves the receiver untouched.
type Tree map[string]any

// Clone returns a deep copy of t.
func (t Tree) Clone() Tree {
	if t == nil {
		return Tree{}
	}
	return cloneValue(t).(Tree)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Tree:
		out := make(Tree, len(x))
		for k, vv := range x {
			out[k] = cloneValue(vv)
		}
		return out
	case map[string]any:
		return cloneValue(Tree(x))
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Has reports whether the key at path exists, even when its value is null.
func (t Tree) Has(path string) bool {
	_, ok := t.lookup(path)
	return ok
}

// Get returns the value stored at a dotted path.
func (t Tree) Get(path string) (any, bool) {
	return t.lookup(path)
}

func (t Tree) lookup(path string) (any, bool) {
	var cur any = t
	for _, seg := range splitPath(path) {
		switch node := cur.(type) {
		case Tree:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Sub returns a copy of the mapping at path, or an empty Tree when the path
// does not hold a mapping.
func (t Tree) Sub(path string) Tree {
	v, ok := t.lookup(path)
	if !ok {
		return Tree{}
	}
	sub, ok := v.(Tree)
	if !ok {
		return Tree{}
	}
	return sub.Clone()
}

// String returns the value at path rendered as a string. Null and missing
// keys yield "".
func (t Tree) String(path string) string {
	v, ok := t.lookup(path)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// IsSet reports whether path holds a usable value: present, not null, not
// the empty string and not the mandatory-value placeholder.
func (t Tree) IsSet(path string) bool {
	v, ok := t.lookup(path)
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		return s != "" && s != MissingValue
	}
	return true
}

// With returns a copy of t with value stored at path. Intermediate mappings
// are created as needed.
func (t Tree) With(path string, value any) (Tree, error) {
	out := t.Clone()
	if err := setPath(out, splitPath(path), cloneValue(value)); err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	return out, nil
}

// MustWith is With for paths known to be valid mapping paths.
func (t Tree) MustWith(path string, value any) Tree {
	out, err := t.With(path, value)
	if err != nil {
		panic(err)
	}
	return out
}

// Without returns a copy of t with the key at path removed.
func (t Tree) Without(path string) Tree {
	out := t.Clone()
	segs := splitPath(path)
	if len(segs) == 0 {
		return out
	}
	parent, ok := out.lookup(strings.Join(segs[:len(segs)-1], "."))
	if !ok {
		return out
	}
	if m, ok := parent.(Tree); ok {
		delete(m, segs[len(segs)-1])
	}
	return out
}

func setPath(root Tree, segs []string, value any) error {
	if len(segs) == 0 {
		return fmt.Errorf("empty path")
	}
	var cur any = root
	for i, seg := range segs {
		last := i == len(segs)-1
		switch node := cur.(type) {
		case Tree:
			if last {
				node[seg] = value
				return nil
			}
			next, ok := node[seg]
			if !ok || next == nil {
				next = Tree{}
				node[seg] = next
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return fmt.Errorf("invalid list index %q", seg)
			}
			if last {
				node[idx] = value
				return nil
			}
			cur = node[idx]
		default:
			return fmt.Errorf("%q is not a mapping", strings.Join(segs[:i], "."))
		}
	}
	return nil
}

// Merge returns a new tree where src is deep-merged over dst. Mappings are
// merged key by key; any other value in src replaces the one in dst.
func Merge(dst, src Tree) Tree {
	out := dst.Clone()
	for k, sv := range src {
		if sm, ok := sv.(Tree); ok {
			if dm, ok := out[k].(Tree); ok {
				out[k] = Merge(dm, sm)
				continue
			}
		}
		out[k] = cloneValue(sv)
	}
	return out
}

// YAML renders the tree with sorted keys.
func (t Tree) YAML() string {
	b, err := yaml.Marshal(toPlain(t))
	if err != nil {
		return fmt.Sprintf("<unrenderable config: %v>", err)
	}
	return string(b)
}

// Plain converts the tree into map[string]any/[]any values for encoders
// that do not know the Tree type.
func (t Tree) Plain() map[string]any {
	return toPlain(t).(map[string]any)
}

func toPlain(v any) any {
	switch x := v.(type) {
	case Tree:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = toPlain(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = toPlain(vv)
		}
		return out
	default:
		return v
	}
}

// normalize converts decoder output into Tree/[]any values with int for
// integral numbers.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(Tree, len(x))
		for k, vv := range x {
			out[k] = normalize(vv)
		}
		return out
	case Tree:
		return normalize(map[string]any(x))
	case map[any]any:
		out := make(Tree, len(x))
		for k, vv := range x {
			out[fmt.Sprint(k)] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case float64:
		return x
	default:
		return v
	}
}
