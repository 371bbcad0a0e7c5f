package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}

	got, err := ExpandHome("/tmp")
	require.NoError(t, err)
	assert.Equal(t, "/tmp", got)

	got, err = ExpandHome("")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	got, err = ExpandHome("~")
	require.NoError(t, err)
	assert.Equal(t, home, got)

	got, err = ExpandHome("~/ckpt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "ckpt"), got)
}

func TestResolveIsAbsolute(t *testing.T) {
	got, err := Resolve("relative/base.nemo")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}

func TestPathExistsAndIsDir(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.gguf")
	require.NoError(t, os.WriteFile(f, nil, 0o644))
	assert.True(t, PathExists(f))
	assert.False(t, IsDir(f))
	assert.True(t, IsDir(dir))
	assert.False(t, PathExists(filepath.Join(dir, "missing")))
}

func TestWithinDir(t *testing.T) {
	dir := t.TempDir()
	p, err := WithinDir(dir, "./model_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model_config.yaml"), p)

	_, err = WithinDir(dir, "../../etc/passwd")
	assert.Error(t, err)
	_, err = WithinDir(dir, "a/../../x")
	assert.Error(t, err)
}
