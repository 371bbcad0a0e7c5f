//go:build integration

package e2e

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, bin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(bin, append([]string{"--env-file", "", "--log-format", "json"}, args...)...)
	cmd.Dir = t.TempDir()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func TestCLIWritesPredictionsAndMetrics(t *testing.T) {
	peval := buildBinary(t, "peval", "./cmd/peval")
	fake := buildFakeServer(t)
	a := writeArtifacts(t, "alpha", "beta")
	out := filepath.Join(a.dir, "preds.txt")
	prom := filepath.Join(a.dir, "peval.prom")

	stdout, stderr, err := runCLI(t, peval, append(a.overrides(fake),
		"inference.outfile_path="+out,
		"telemetry.metrics_textfile="+prom,
	)...)
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "predictions saved to "+out)
	assert.Equal(t, 2, strings.Count(stdout, "***************************"))
	assert.Contains(t, stderr, "evaluation finished")

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "alpha lora=lora.gguf echo=alpha\nbeta lora=lora.gguf echo=beta\n", string(got))

	m, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(m), "peval_predict_sequences_total 2")
}

func TestCLIPrintsWithoutOutfile(t *testing.T) {
	peval := buildBinary(t, "peval", "./cmd/peval")
	fake := buildFakeServer(t)
	a := writeArtifacts(t, "alpha")

	stdout, stderr, err := runCLI(t, peval, a.overrides(fake)...)
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, `"alpha lora=lora.gguf echo=alpha"`)
}

func TestCLIExitsNonZeroOnMissingAdapter(t *testing.T) {
	peval := buildBinary(t, "peval", "./cmd/peval")
	a := writeArtifacts(t, "alpha")

	_, stderr, err := runCLI(t, peval, "model.restore_from_path="+a.base)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, stderr, "model.peft.restore_from_path")
}

func TestCLIShowConfig(t *testing.T) {
	peval := buildBinary(t, "peval", "./cmd/peval")
	stdout, stderr, err := runCLI(t, peval, "show-config", "cluster_type=BCP")
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "cluster_type: BCP")
}
