package procenv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetStartMethodOnce(t *testing.T) {
	t.Cleanup(reset)
	reset()
	assert.Equal(t, Spawn, Method())
	require.NoError(t, SetStartMethod(Inherit, false))
	assert.ErrorIs(t, SetStartMethod(Spawn, false), ErrAlreadySet)
	assert.Equal(t, Inherit, Method())
	require.NoError(t, SetStartMethod(Spawn, true))
	assert.Equal(t, Spawn, Method())
}

func TestParseStartMethod(t *testing.T) {
	m, err := ParseStartMethod("")
	require.NoError(t, err)
	assert.Equal(t, Spawn, m)
	m, err = ParseStartMethod("INHERIT")
	require.NoError(t, err)
	assert.Equal(t, Inherit, m)
	_, err = ParseStartMethod("fork")
	assert.Error(t, err)
}

func TestChildEnv(t *testing.T) {
	t.Cleanup(reset)
	t.Setenv("PEVAL_SECRET_TOKEN", "x")
	t.Setenv("CUDA_VISIBLE_DEVICES", "0")

	reset()
	require.NoError(t, SetStartMethod(Spawn, false))
	env := strings.Join(ChildEnv("A=1"), "\n")
	assert.NotContains(t, env, "PEVAL_SECRET_TOKEN")
	assert.Contains(t, env, "CUDA_VISIBLE_DEVICES=0")
	assert.Contains(t, env, "A=1")

	require.NoError(t, SetStartMethod(Inherit, true))
	env = strings.Join(ChildEnv(), "\n")
	assert.Contains(t, env, "PEVAL_SECRET_TOKEN=x")
}
