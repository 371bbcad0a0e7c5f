package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"peval/internal/config"
	"peval/internal/events"
	"peval/pkg/types"
)

// Backend abstracts the llama.cpp runtime used by the Model.
type Backend interface {
	// Start loads the base weights with the adapter applied.
	Start(ctx context.Context, w Weights) (Session, error)
}

// Session is a loaded model ready to generate. Generate must be safe for
// concurrent use.
type Session interface {
	Generate(ctx context.Context, prompt string, p Params) (Result, error)
	Close() error
}

// Weights names the files a session is built from.
type Weights struct {
	Base    string
	Adapter string
	// Scale multiplies the adapter delta; zero means 1.
	Scale float32
}

// Params are the per-request generation parameters.
type Params struct {
	MaxTokens     int
	MinTokens     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	Stop          []string
	Seed          int
	// Logprobs asks for this many log probabilities per token; zero disables.
	Logprobs int
}

// ParamsFrom maps an inference config onto generation parameters. Greedy
// decoding pins temperature to zero and top_k to one. top_k <= 0 disables
// top-k filtering and is sent as is; top_p <= 0 becomes 1, which disables
// nucleus filtering.
func ParamsFrom(inf config.InferenceConfig, seed int) Params {
	p := Params{
		MaxTokens:     inf.TokensToGenerate,
		MinTokens:     inf.MinTokensToGenerate,
		Temperature:   float32(inf.Temperature),
		TopP:          float32(inf.TopP),
		TopK:          inf.TopK,
		RepeatPenalty: float32(inf.RepetitionPenalty),
		Stop:          inf.Stop,
		Seed:          seed,
	}
	if p.TopP <= 0 {
		p.TopP = 1
	}
	if inf.Greedy {
		p.Temperature = 0
		p.TopK = 1
	}
	if inf.ComputeLogprob || inf.AllProbs {
		p.Logprobs = 1
	}
	return p
}

// Result summarizes one generation.
type Result struct {
	Text         string
	FinishReason string
	Usage        types.Usage
}

// Options tune a backend from the strategy plan and the data config.
type Options struct {
	// F16KV keeps the KV cache in half precision.
	F16KV bool
	// TensorParallel splits layers evenly over this many devices.
	TensorParallel int
	// Parallel is the number of requests served concurrently.
	Parallel int
	// ContextSize is the context window in tokens; zero keeps the runtime default.
	ContextSize int
	Seed        int

	Logger zerolog.Logger
	Events events.Publisher
}

// Backend names accepted by runtime.backend.
const (
	BackendLlama  = "llama"
	BackendServer = "server"
	BackendRemote = "remote"
)

// NewBackend builds the backend named by rc.Backend.
func NewBackend(rc config.RuntimeConfig, opts Options) (Backend, error) {
	opts.Events = events.OrNop(opts.Events)
	switch strings.ToLower(strings.TrimSpace(rc.Backend)) {
	case "", BackendLlama:
		return NewLlamaBackend(rc, opts), nil
	case BackendServer:
		return NewServerBackend(rc, opts), nil
	case BackendRemote:
		if strings.TrimSpace(rc.BaseURL) == "" {
			return nil, config.ErrMissingField("runtime.base_url")
		}
		return NewRemoteBackend(rc, opts), nil
	default:
		return nil, fmt.Errorf("unknown runtime.backend %q (want llama|server|remote)", rc.Backend)
	}
}

// tensorSplit renders an even split over n devices, e.g. "1,1" for two.
func tensorSplit(n int) string {
	if n < 2 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("1,", n), ",")
}
