package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// OverrideOp is the kind of a command line override.
type OverrideOp int

const (
	// OpSet replaces an existing key: key=value
	OpSet OverrideOp = iota
	// OpAdd creates a key that is not in the config: +key=value
	OpAdd
	// OpDelete removes a key: ~key
	OpDelete
)

// Override is one parsed dotted-key assignment.
type Override struct {
	Op    OverrideOp
	Path  string
	Value any
	Raw   string
}

// ParseOverrides parses Hydra-style overrides. Values are decoded as YAML so
// 16 is an int, null is nil, [a,b] is a list and '16' stays a string.
func ParseOverrides(args []string) ([]Override, error) {
	out := make([]Override, 0, len(args))
	for _, arg := range args {
		o, err := parseOverride(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func parseOverride(arg string) (Override, error) {
	o := Override{Raw: arg, Op: OpSet}
	s := strings.TrimSpace(arg)
	switch {
	case strings.HasPrefix(s, "+"):
		o.Op = OpAdd
		s = s[1:]
	case strings.HasPrefix(s, "~"):
		o.Op = OpDelete
		s = s[1:]
	}
	key, val, hasVal := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return o, overrideError{arg: arg, msg: "missing key"}
	}
	o.Path = key
	if o.Op == OpDelete {
		return o, nil
	}
	if !hasVal {
		return o, overrideError{arg: arg, msg: "expected key=value"}
	}
	v, err := parseValue(val)
	if err != nil {
		return o, overrideError{arg: arg, msg: err.Error()}
	}
	o.Value = v
	return o, nil
}

func parseValue(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", raw, err)
	}
	return normalize(v), nil
}

// Apply returns a new tree with the overrides applied in order. Plain
// assignments must name an existing key.
func Apply(t Tree, ops []Override) (Tree, error) {
	out := t.Clone()
	for _, o := range ops {
		switch o.Op {
		case OpSet:
			if !out.Has(o.Path) {
				return nil, overrideError{arg: o.Raw, msg: fmt.Sprintf("key %s is not in the config, use +%s to add it", o.Path, o.Path)}
			}
		case OpAdd:
			if out.Has(o.Path) {
				return nil, overrideError{arg: o.Raw, msg: fmt.Sprintf("key %s already exists, drop the + to override it", o.Path)}
			}
		case OpDelete:
			if !out.Has(o.Path) {
				return nil, overrideError{arg: o.Raw, msg: fmt.Sprintf("key %s is not in the config", o.Path)}
			}
			out = out.Without(o.Path)
			continue
		}
		next, err := out.With(o.Path, o.Value)
		if err != nil {
			return nil, overrideError{arg: o.Raw, msg: err.Error()}
		}
		out = next
	}
	return out, nil
}
