package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", "trainer:\n  precision: bf16\n  devices: 2\nmodel:\n  restore_from_path: /ckpt/base.nemo\n")
	tr, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "bf16", tr.String("trainer.precision"))
	v, _ := tr.Get("trainer.devices")
	assert.Equal(t, 2, v)
	assert.Equal(t, "/ckpt/base.nemo", tr.String("model.restore_from_path"))
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"trainer":{"precision":16,"devices":1},"inference":{"top_p":0.5}}`)
	tr, err := Load(p)
	require.NoError(t, err)
	v, _ := tr.Get("trainer.precision")
	assert.Equal(t, 16, v)
	f, _ := tr.Get("inference.top_p")
	assert.Equal(t, 0.5, f)
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", "cluster_type = \"BCP\"\n[trainer]\nprecision = 16\n")
	tr, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "BCP", tr.String("cluster_type"))
	v, _ := tr.Get("trainer.precision")
	assert.Equal(t, 16, v)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
	_, err = Load("/definitely/not/a/real/eval-12345.yaml")
	assert.Error(t, err)

	d := t.TempDir()
	for name, body := range map[string]string{
		"cfg.txt":  "not supported",
		"bad.yaml": "trainer: [1\n",
		"bad.json": `{ "trainer": { "devices": } }`,
		"bad.toml": "trainer=\ndevices\n",
	} {
		_, err := Load(writeTempFile(t, d, name, body))
		assert.Error(t, err, name)
	}
	_, err = Compose(filepath.Join(d, "missing.yaml"), nil)
	assert.ErrorContains(t, err, "load config")
}

func TestDefaultDecodes(t *testing.T) {
	cfg, err := DecodeEval(Default())
	require.NoError(t, err)
	assert.Equal(t, Precision16, cfg.Trainer.Precision)
	assert.Equal(t, 1, cfg.Model.PipelineModelParallelSize)
	assert.Empty(t, cfg.Model.RestoreFromPath, "??? decodes as empty")
	assert.Empty(t, cfg.Model.Data.TestDS.FileNames)
	assert.Equal(t, "output", cfg.Model.Data.TestDS.LabelKey)
	assert.Equal(t, "llama", cfg.Runtime.Backend)
	assert.Equal(t, 60.0, cfg.Runtime.ReadyTimeout.Seconds())
	assert.Nil(t, cfg.Model.Hysteresis)
}

func TestComposeLayersFileAndOverrides(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "eval.yaml", "trainer:\n  devices: 4\ninference:\n  outfile_path: /tmp/a.txt\n")
	tr, err := Compose(p, []string{"trainer.devices=2", "model.restore_from_path=/m/base.nemo"})
	require.NoError(t, err)
	cfg, err := DecodeEval(tr)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Trainer.Devices)
	assert.Equal(t, "/tmp/a.txt", cfg.Inference.OutfilePath)
	assert.Equal(t, "/m/base.nemo", cfg.Model.RestoreFromPath)
	assert.Equal(t, "input", cfg.Model.Data.TestDS.ContextKey, "defaults survive")
}

func TestConfigFile(t *testing.T) {
	assert.Equal(t, "", ConfigFile("conf", ""))
	assert.Equal(t, filepath.Join("conf", "eval.yaml"), ConfigFile("conf", "eval"))
	assert.Equal(t, "eval.toml", ConfigFile("", "eval.toml"))
}

func TestParsePrecision(t *testing.T) {
	cases := map[any]Precision{
		16:           Precision16,
		"16":         Precision16,
		"16-mixed":   Precision16,
		"bf16":       PrecisionBF16,
		"bf16-mixed": PrecisionBF16,
		32:           Precision32,
		nil:          Precision32,
	}
	for in, want := range cases {
		got, err := ParsePrecision(in)
		require.NoError(t, err, "input %v", in)
		assert.Equal(t, want, got, "input %v", in)
	}
	_, err := ParsePrecision("int8")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	err := Validate(Default())
	require.Error(t, err)
	assert.True(t, IsMissingField(err))
	assert.Equal(t, KeyBaseRestorePath, MissingKey(err))

	tr := Default().MustWith(KeyBaseRestorePath, "/m/base.nemo")
	err = Validate(tr)
	require.Error(t, err)
	assert.Equal(t, KeyAdapterRestorePath, MissingKey(err))

	tr = tr.MustWith(KeyAdapterRestorePath, "/m/lora.nemo")
	assert.NoError(t, Validate(tr))

	tr = tr.MustWith(KeyAdapterRestorePath, nil)
	assert.True(t, IsMissingField(Validate(tr)))
}
