// Package model wraps a llama.cpp runtime loaded with a base model and a
// LoRA adapter, and turns batches of contexts into predictions.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"peval/internal/checkpoint"
	"peval/internal/config"
	"peval/pkg/types"
)

// Model is a restored base model with its adapter. Weights may change until
// Freeze; prediction requires a frozen model.
type Model struct {
	backend Backend
	log     zerolog.Logger

	mu        sync.Mutex
	weights   Weights
	seed      int
	frozen    bool
	inference config.InferenceConfig
	session   Session
}

// New returns a model over backend using the restored weight files.
func New(backend Backend, r *checkpoint.Restored, log zerolog.Logger) *Model {
	w := Weights{}
	if r != nil {
		w.Base, w.Adapter = r.BaseWeights, r.AdapterWeights
	}
	return &Model{backend: backend, weights: w, log: log}
}

// Weights returns the current weight files.
func (m *Model) Weights() Weights {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.weights
}

// SetAdapter replaces the adapter file. Fails with ErrFrozen after Freeze.
func (m *Model) SetAdapter(path string, scale float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	m.weights.Adapter, m.weights.Scale = path, scale
	return nil
}

// SetSeed sets the sampling seed. Fails with ErrFrozen after Freeze.
func (m *Model) SetSeed(seed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return ErrFrozen
	}
	m.seed = seed
	return nil
}

// Freeze disables weight mutation.
func (m *Model) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (m *Model) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// SetInferenceConfig installs the decoding settings used by PredictStep.
func (m *Model) SetInferenceConfig(cfg config.InferenceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inference = cfg
	if !cfg.AddBOS {
		m.log.Debug().Msg("add_BOS=false is not honoured: llama.cpp prepends BOS per the model vocabulary")
	}
	if cfg.MinTokensToGenerate > 0 {
		m.log.Debug().Int("min_tokens_to_generate", cfg.MinTokensToGenerate).Msg("minimum generation length is advisory")
	}
}

// InferenceConfig returns the installed decoding settings.
func (m *Model) InferenceConfig() config.InferenceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inference
}

// Start loads the weights into a runtime session. It is called implicitly
// by the first PredictStep.
func (m *Model) Start(ctx context.Context) error {
	_, err := m.ensureSession(ctx)
	return err
}

func (m *Model) ensureSession(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.frozen {
		return nil, ErrNotFrozen
	}
	if m.session != nil {
		return m.session, nil
	}
	if strings.TrimSpace(m.weights.Base) == "" {
		return nil, errors.New("base weights path is empty")
	}
	s, err := m.backend.Start(ctx, m.weights)
	if err != nil {
		return nil, fmt.Errorf("start runtime: %w", err)
	}
	m.log.Info().Str("base", m.weights.Base).Str("adapter", m.weights.Adapter).Msg("runtime session ready")
	m.session = s
	return s, nil
}

// PredictStep generates a completion for every context in batch.
func (m *Model) PredictStep(ctx context.Context, batch types.Batch) (types.Response, error) {
	s, err := m.ensureSession(ctx)
	if err != nil {
		return types.Response{}, err
	}
	m.mu.Lock()
	params := ParamsFrom(m.inference, m.seed)
	m.mu.Unlock()

	n := batch.Len()
	resp := types.Response{
		BatchIndex:    batch.Index,
		Sentences:     make([]string, n),
		Completions:   make([]string, n),
		Contexts:      append([]string(nil), batch.Contexts...),
		Labels:        append([]string(nil), batch.Labels...),
		FinishReasons: make([]string, n),
	}
	for i, prompt := range batch.Contexts {
		if err := ctx.Err(); err != nil {
			return types.Response{}, err
		}
		res, err := s.Generate(ctx, prompt, params)
		if err != nil {
			return types.Response{}, fmt.Errorf("batch %d item %d: %w", batch.Index, i, err)
		}
		resp.Completions[i] = res.Text
		resp.Sentences[i] = prompt + res.Text
		resp.FinishReasons[i] = res.FinishReason
		resp.Usage.PromptTokens += res.Usage.PromptTokens
		resp.Usage.CompletionTokens += res.Usage.CompletionTokens
		resp.Usage.TotalTokens += res.Usage.TotalTokens
	}
	return resp, nil
}

// Close releases the runtime session.
func (m *Model) Close() error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Close()
}
