// Package checkpoint restores base and adapter artifacts. An artifact is a
// directory or a (gzip'd) tar archive holding model_config.yaml and a GGUF
// weight file.
package checkpoint

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"peval/internal/common/fsutil"
	"peval/internal/config"
)

// Connector locates and merges the base and adapter artifacts.
type Connector struct {
	// AdapterPath is the adapter artifact.
	AdapterPath string
	// ExtractedDir, when set, is used as the already-unpacked base artifact.
	ExtractedDir string
	// WorkDir hosts temporary extraction directories; "" uses os.TempDir.
	WorkDir string
	// Inspect reads weight headers; nil uses InspectGGUF.
	Inspect Inspector
	Logger  zerolog.Logger
}

// Restored is a base model with its adapter resolved to files on disk.
type Restored struct {
	// Config is the base config overlaid with the override config.
	Config         config.Tree
	BaseConfig     config.Tree
	BaseWeights    string
	AdapterWeights string
	Scheme         string
	Architecture   string
	Duration       time.Duration

	cleanup []string
}

// Close removes temporary extraction directories.
func (r *Restored) Close() error {
	var first error
	for _, d := range r.cleanup {
		if err := os.RemoveAll(d); err != nil && first == nil {
			first = err
		}
	}
	r.cleanup = nil
	return first
}

// NewConnector returns a connector for adapterPath. When basePath is a
// directory it is treated as already extracted.
func NewConnector(basePath, adapterPath string, log zerolog.Logger) *Connector {
	c := &Connector{AdapterPath: adapterPath, Logger: log}
	if abs, err := fsutil.Resolve(basePath); err == nil && fsutil.IsDir(abs) {
		c.ExtractedDir = abs
	}
	return c
}

// Restore unpacks the base artifact (unless ExtractedDir is set) and the
// adapter artifact, checks they fit together and returns the merged model.
func (c *Connector) Restore(basePath string, override config.Tree) (*Restored, error) {
	start := time.Now()
	r := &Restored{}
	fail := func(err error) (*Restored, error) {
		_ = r.Close()
		return nil, err
	}

	scheme := Scheme(override)
	if err := CheckScheme(scheme); err != nil {
		return fail(err)
	}
	r.Scheme = scheme

	baseDir, err := c.unpack("base", basePath, c.ExtractedDir, r)
	if err != nil {
		return fail(err)
	}
	baseCfg, err := RestoreConfig(baseDir)
	if err != nil {
		return fail(err)
	}
	if err := CheckConfigs(baseCfg, override); err != nil {
		return fail(err)
	}
	if r.BaseWeights, err = findWeights(baseDir); err != nil {
		return fail(restoreError{stage: "base weights", path: basePath, err: err})
	}

	adapterDir, err := c.unpack("adapter", c.AdapterPath, "", r)
	if err != nil {
		return fail(err)
	}
	if r.AdapterWeights, err = findWeights(adapterDir); err != nil {
		return fail(restoreError{stage: "adapter weights", path: c.AdapterPath, err: err})
	}

	inspect := c.Inspect
	if inspect == nil {
		inspect = InspectGGUF
	}
	baseInfo, err := inspect(r.BaseWeights)
	if err != nil {
		return fail(restoreError{stage: "base header", path: r.BaseWeights, err: err})
	}
	adapterInfo, err := inspect(r.AdapterWeights)
	if err != nil {
		return fail(restoreError{stage: "adapter header", path: r.AdapterWeights, err: err})
	}
	if err := CheckWeights(baseInfo, adapterInfo); err != nil {
		return fail(err)
	}
	r.Architecture = baseInfo.Architecture

	r.BaseConfig = baseCfg
	r.Config = config.Merge(baseCfg, override)
	r.Duration = time.Since(start)
	c.Logger.Info().
		Str("base_weights", r.BaseWeights).
		Str("adapter_weights", r.AdapterWeights).
		Str("scheme", r.Scheme).
		Str("architecture", r.Architecture).
		Dur("took", r.Duration).
		Msg("restored model")
	return r, nil
}

// unpack returns a directory holding the artifact at p. Directories are
// used in place; archives are extracted into a temp dir registered for
// cleanup on r.
func (c *Connector) unpack(stage, p, extracted string, r *Restored) (string, error) {
	if extracted != "" {
		return extracted, nil
	}
	abs, err := fsutil.Resolve(p)
	if err != nil {
		return "", restoreError{stage: stage, path: p, err: err}
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", restoreError{stage: stage, path: p, err: err}
	}
	if fi.IsDir() {
		return abs, nil
	}
	dir, err := os.MkdirTemp(c.WorkDir, "peval-"+stage+"-*")
	if err != nil {
		return "", restoreError{stage: stage, path: p, err: err}
	}
	r.cleanup = append(r.cleanup, dir)
	c.Logger.Debug().Str("artifact", abs).Str("dir", dir).Msg("extracting " + stage)
	if err := extract(abs, dir); err != nil {
		return "", restoreError{stage: stage, path: p, err: err}
	}
	return dir, nil
}
