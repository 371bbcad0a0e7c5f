//go:build !llama

package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"peval/internal/config"
)

func TestLlamaStubRefusesToStart(t *testing.T) {
	assert.False(t, llamaBuilt)
	b := NewLlamaBackend(config.RuntimeConfig{}, Options{})
	_, err := b.Start(context.Background(), Weights{Base: "base.gguf"})
	assert.True(t, IsDependencyUnavailable(err))
}
