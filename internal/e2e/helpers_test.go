//go:build integration

package e2e

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"peval/internal/checkpoint"
)

func projectRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	require.True(t, ok, "runtime.Caller failed")
	// this file: <root>/internal/e2e/helpers_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

// buildBinary compiles pkg (relative to the module root) into a temp dir.
func buildBinary(t *testing.T, name, pkg string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Dir = projectRoot(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "go build %s:\n%s", pkg, out)
	return bin
}

func buildFakeServer(t *testing.T) string {
	return buildBinary(t, "fake_llama_server", "./internal/model/testdata/fake_llama_server.go")
}

func writeArchive(t *testing.T, path string, compress bool, members map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./" + name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	data := buf.Bytes()
	if compress {
		var zb bytes.Buffer
		zw := gzip.NewWriter(&zb)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		data = zb.Bytes()
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// ggufFile encodes a tensor-less GGUF v3 file with string metadata.
func ggufFile(kv [][2]string) []byte {
	var b bytes.Buffer
	le := binary.LittleEndian
	b.WriteString("GGUF")
	_ = binary.Write(&b, le, uint32(3))
	_ = binary.Write(&b, le, uint64(0))
	_ = binary.Write(&b, le, uint64(len(kv)))
	str := func(s string) {
		_ = binary.Write(&b, le, uint64(len(s)))
		b.WriteString(s)
	}
	for _, p := range kv {
		str(p[0])
		_ = binary.Write(&b, le, uint32(8))
		str(p[1])
	}
	return b.Bytes()
}

type artifacts struct {
	dir     string
	base    string
	adapter string
	dataset string
}

// writeArtifacts lays out a gzip'd base archive, a plain adapter archive and
// a JSONL test set with one record per prompt.
func writeArtifacts(t *testing.T, prompts ...string) artifacts {
	t.Helper()
	dir := t.TempDir()
	a := artifacts{dir: dir}
	a.base = writeArchive(t, filepath.Join(dir, "base.nemo"), true, map[string][]byte{
		checkpoint.ConfigName: []byte("hidden_size: 16\nnum_layers: 2\n"),
		"model.gguf":          ggufFile([][2]string{{"general.architecture", "llama"}, {"general.type", "model"}}),
	})
	a.adapter = writeArchive(t, filepath.Join(dir, "lora.nemo"), false, map[string][]byte{
		checkpoint.ConfigName: []byte("hidden_size: 16\npeft:\n  peft_scheme: lora\n"),
		"lora.gguf":           ggufFile([][2]string{{"general.architecture", "llama"}, {"general.type", "adapter"}}),
	})
	var lines []string
	for _, p := range prompts {
		b, err := json.Marshal(map[string]string{"input": p, "output": "x"})
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	a.dataset = filepath.Join(dir, "test.jsonl")
	require.NoError(t, os.WriteFile(a.dataset, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return a
}

func (a artifacts) overrides(bin string) []string {
	return []string{
		"model.restore_from_path=" + a.base,
		"model.peft.restore_from_path=" + a.adapter,
		"model.data.test_ds.file_names=[" + a.dataset + "]",
		"model.data.test_ds.global_batch_size=2",
		"runtime.backend=server",
		"runtime.llama_bin=" + bin,
		"runtime.ready_timeout=10s",
	}
}
