package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Default returns the built-in evaluation config.
func Default() Tree {
	t, err := Parse(defaultYAML, ".yaml")
	if err != nil {
		panic("peval: invalid embedded default.yaml: " + err.Error())
	}
	return t
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Tree, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Parse(b, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes raw config bytes in the format named by ext.
func Parse(b []byte, ext string) (Tree, error) {
	var raw map[string]any
	switch ext = strings.ToLower(ext); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if raw == nil {
		return Tree{}, nil
	}
	return normalizeNumbers(normalize(raw)).(Tree), nil
}

type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

// normalizeNumbers turns json.Number values into int or float64.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case Tree:
		for k, vv := range x {
			x[k] = normalizeNumbers(vv)
		}
		return x
	case []any:
		for i, vv := range x {
			x[i] = normalizeNumbers(vv)
		}
		return x
	case number:
		if i, err := x.Int64(); err == nil {
			return int(i)
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return fmt.Sprint(x)
	default:
		return v
	}
}

// ConfigFile joins a Hydra-style config directory and name. A name without
// an extension gets ".yaml".
func ConfigFile(dir, name string) string {
	if name == "" {
		return ""
	}
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	if dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// Compose layers the defaults, an optional config file and command line
// overrides, in that order.
func Compose(file string, overrides []string) (Tree, error) {
	t := Default()
	if file != "" {
		ft, err := Load(file)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		t = Merge(t, ft)
	}
	ops, err := ParseOverrides(overrides)
	if err != nil {
		return nil, err
	}
	return Apply(t, ops)
}
