//go:build llama

package model

import (
	"context"
	"errors"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"peval/internal/config"
	"peval/internal/events"
	"peval/pkg/types"
)

// llamaBuilt indicates this binary was compiled with in-process llama support.
const llamaBuilt = true

// llamaBackend loads weights in-process through the go-llama.cpp bindings.
type llamaBackend struct {
	rc   config.RuntimeConfig
	opts Options
}

// NewLlamaBackend returns the in-process backend.
func NewLlamaBackend(rc config.RuntimeConfig, opts Options) Backend {
	return &llamaBackend{rc: rc, opts: opts}
}

func (b *llamaBackend) modelOptions(w Weights) []llama.ModelOption {
	mo := []llama.ModelOption{llama.SetMMap(true)}
	if b.opts.ContextSize > 0 {
		mo = append(mo, llama.SetContext(b.opts.ContextSize))
	}
	if b.rc.BatchTokens > 0 {
		mo = append(mo, llama.SetNBatch(b.rc.BatchTokens))
	}
	if b.rc.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(b.rc.GPULayers))
	}
	if b.opts.F16KV {
		mo = append(mo, llama.EnableF16Memory)
	}
	if ts := tensorSplit(b.opts.TensorParallel); ts != "" {
		mo = append(mo, llama.SetTensorSplit(ts))
	}
	if b.opts.Seed != 0 {
		mo = append(mo, llama.SetModelSeed(b.opts.Seed))
	}
	if w.Adapter != "" {
		mo = append(mo, llama.SetLoraAdapter(w.Adapter), llama.SetLoraBase(w.Base))
	}
	return mo
}

func (b *llamaBackend) Start(ctx context.Context, w Weights) (Session, error) {
	if strings.TrimSpace(w.Base) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.Scale != 0 && w.Scale != 1 {
		b.opts.Logger.Warn().Float32("scale", w.Scale).Msg("in-process runtime applies adapters at scale 1")
	}
	m, err := llama.New(w.Base, b.modelOptions(w)...)
	if err != nil {
		return nil, runtimeError{backend: "llama", err: err}
	}
	events.OrNop(b.opts.Events).Publish(events.Event{Name: "model_loaded", Fields: map[string]any{"base": w.Base, "adapter": w.Adapter}})
	return &llamaSession{model: m, threads: b.rc.Threads}, nil
}

// llamaSession owns the loaded model. The bindings are not reentrant, so
// Generate calls are serialized.
type llamaSession struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (s *llamaSession) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return Result{}, errors.New("llama model not initialized")
	}
	tokens := 0
	s.model.SetTokenCallback(func(string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		tokens++
		return true
	})
	text, err := s.model.Predict(prompt, predictOptions(p, s.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, runtimeError{backend: "llama", err: err}
	}
	finish := "stop"
	if p.MaxTokens > 0 && tokens >= p.MaxTokens {
		finish = "length"
	}
	return Result{
		Text:         text,
		FinishReason: finish,
		Usage:        types.Usage{CompletionTokens: tokens, TotalTokens: tokens},
	}, nil
}

func (s *llamaSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts generation params into go-llama.cpp options.
// Zero temperature and top_k are passed through unchanged.
func predictOptions(p Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(p.TopP),
		llama.SetTopK(p.TopK),
		llama.SetTemperature(p.Temperature),
		llama.SetPenalty(zf(p.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if p.Seed != 0 {
		po = append(po, llama.SetSeed(p.Seed))
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}
