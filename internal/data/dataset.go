// Package data reads JSONL test sets and batches them for prediction.
package data

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"peval/internal/common/fsutil"
	"peval/internal/config"
	"peval/pkg/types"
)

// maxLineBytes bounds a single JSONL record.
const maxLineBytes = 64 << 20

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_\-]+)\}`)

// Dataset is an in-memory test set built from one JSONL file.
type Dataset struct {
	Name     string
	Path     string
	Examples []types.Example
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Examples) }

// Collate groups examples into a batch.
func (d *Dataset) Collate(index int, examples []types.Example) types.Batch {
	b := types.Batch{
		Index:          index,
		Contexts:       make([]string, len(examples)),
		Labels:         make([]string, len(examples)),
		ExampleIndices: make([]int, len(examples)),
	}
	for i, ex := range examples {
		b.Contexts[i] = ex.Context
		b.Labels[i] = ex.Label
		b.ExampleIndices[i] = ex.Index
	}
	return b
}

// Build reads every file named by cfg. The i-th dataset takes the i-th
// entry of cfg.Names when present.
func Build(cfg config.DatasetConfig) ([]*Dataset, error) {
	var files []string
	for _, f := range cfg.FileNames {
		if f = strings.TrimSpace(f); f != "" && f != config.MissingValue {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, config.ErrMissingField("model.data.test_ds.file_names")
	}
	out := make([]*Dataset, 0, len(files))
	for i, f := range files {
		name := f
		if i < len(cfg.Names) && cfg.Names[i] != "" {
			name = cfg.Names[i]
		}
		ds, err := Read(f, cfg)
		if err != nil {
			return nil, err
		}
		ds.Name = name
		out = append(out, ds)
	}
	return out, nil
}

// Read parses one JSONL file into a dataset.
func Read(path string, cfg config.DatasetConfig) (*Dataset, error) {
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	prompt, err := newPromptBuilder(cfg)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{Path: p}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: invalid JSON record: %w", path, line, err)
		}
		ex, err := prompt.example(line-1, rec)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		ds.Examples = append(ds.Examples, ex)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("%s:%d: record exceeds %d bytes", path, line+1, maxLineBytes)
		}
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return ds, nil
}

// promptBuilder turns a record into model context.
type promptBuilder struct {
	contextKey string
	labelKey   string
	template   string // already cut at the label placeholder
	newline    bool
}

func newPromptBuilder(cfg config.DatasetConfig) (*promptBuilder, error) {
	pb := &promptBuilder{
		contextKey: orDefault(cfg.ContextKey, "input"),
		labelKey:   orDefault(cfg.LabelKey, "output"),
		newline:    cfg.SeparatePromptAndResponseWithNewline,
	}
	if t := cfg.PromptTemplate; t != "" {
		label := "{" + pb.labelKey + "}"
		idx := strings.Index(t, label)
		if idx < 0 {
			return nil, fmt.Errorf("prompt_template must contain %s", label)
		}
		if strings.TrimSpace(t[idx+len(label):]) != "" {
			return nil, fmt.Errorf("prompt_template must end with %s", label)
		}
		pb.template = t[:idx]
	}
	return pb, nil
}

func (pb *promptBuilder) example(idx int, rec map[string]any) (types.Example, error) {
	ex := types.Example{Index: idx, Fields: rec, Label: field(rec, pb.labelKey)}
	if pb.template != "" {
		var missing string
		ex.Context = placeholderRe.ReplaceAllStringFunc(pb.template, func(m string) string {
			key := m[1 : len(m)-1]
			v, ok := rec[key]
			if !ok {
				if missing == "" {
					missing = key
				}
				return m
			}
			return stringify(v)
		})
		if missing != "" {
			return ex, fmt.Errorf("prompt_template field %q missing from record", missing)
		}
	} else {
		if _, ok := rec[pb.contextKey]; !ok {
			return ex, fmt.Errorf("record has no %q field", pb.contextKey)
		}
		ex.Context = field(rec, pb.contextKey)
	}
	if pb.newline {
		ex.Context += "\n"
	}
	return ex, nil
}

func field(rec map[string]any, key string) string {
	v, ok := rec[key]
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
