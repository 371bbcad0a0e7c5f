package config

import (
	"fmt"
	"regexp"
	"strings"
)

var interpRe = regexp.MustCompile(`\$\{([^${}]+)\}`)

// Resolve returns a copy of t with every ${path} interpolation expanded.
// A string that consists of a single interpolation takes the referenced
// value as-is (keeping its type); interpolations embedded in longer strings
// are rendered with fmt. References are absolute dotted paths.
func (t Tree) Resolve() (Tree, error) {
	r := &resolver{root: t, done: map[string]any{}, active: map[string]bool{}}
	out, err := r.value("", t)
	if err != nil {
		return nil, err
	}
	return out.(Tree), nil
}

// ResolveSub resolves the whole tree and returns the mapping at path, so
// that interpolations pointing outside the subtree still work.
func (t Tree) ResolveSub(path string) (Tree, error) {
	full, err := t.Resolve()
	if err != nil {
		return nil, err
	}
	return full.Sub(path), nil
}

type resolver struct {
	root   Tree
	done   map[string]any
	active map[string]bool
}

func (r *resolver) value(path string, v any) (any, error) {
	switch x := v.(type) {
	case Tree:
		out := make(Tree, len(x))
		for k, vv := range x {
			rv, err := r.value(join(path, k), vv)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			rv, err := r.value(join(path, fmt.Sprint(i)), vv)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case string:
		return r.str(path, x)
	default:
		return v, nil
	}
}

func (r *resolver) str(path, s string) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	if m := interpRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return r.ref(path, strings.TrimSpace(m[1]))
	}
	var firstErr error
	out := interpRe.ReplaceAllStringFunc(s, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-1])
		v, err := r.ref(path, ref)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		if v == nil {
			return "null"
		}
		return fmt.Sprint(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (r *resolver) ref(from, target string) (any, error) {
	if v, ok := r.done[target]; ok {
		return v, nil
	}
	if r.active[target] {
		return nil, fmt.Errorf("interpolation cycle at %s (referenced from %s)", target, from)
	}
	raw, ok := r.root.lookup(target)
	if !ok {
		return nil, fmt.Errorf("interpolation %s: key %s not found", from, target)
	}
	r.active[target] = true
	v, err := r.value(target, raw)
	delete(r.active, target)
	if err != nil {
		return nil, err
	}
	r.done[target] = v
	return v, nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
