//go:build !llama

package model

import (
	"context"

	"peval/internal/config"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
const llamaBuilt = false

// llamaBackend is a stub that refuses to load weights without the 'llama'
// build tag. Use runtime.backend=server or remote instead.
type llamaBackend struct{}

// NewLlamaBackend returns the in-process backend.
func NewLlamaBackend(config.RuntimeConfig, Options) Backend { return llamaBackend{} }

func (llamaBackend) Start(context.Context, Weights) (Session, error) {
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag); use runtime.backend=server")
}
