package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Precision is the numeric precision requested for the run: "16", "bf16"
// or "32".
type Precision string

const (
	Precision16   Precision = "16"
	PrecisionBF16 Precision = "bf16"
	Precision32   Precision = "32"
)

// ParsePrecision accepts the spellings found in trainer configs: 16, 32,
// "bf16", "16-mixed", "bf16-mixed", "32-true".
func ParsePrecision(v any) (Precision, error) {
	var s string
	switch x := v.(type) {
	case nil:
		return Precision32, nil
	case Precision:
		s = string(x)
	case string:
		s = x
	case int, int64, float64:
		s = fmt.Sprint(x)
	default:
		return "", fmt.Errorf("unsupported precision %v (%T)", v, v)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "-mixed"), "-true")
	switch s {
	case "16", "16.0", "fp16", "half":
		return Precision16, nil
	case "bf16":
		return PrecisionBF16, nil
	case "32", "32.0", "fp32", "":
		return Precision32, nil
	default:
		return "", fmt.Errorf("unsupported precision %q", s)
	}
}

// Reduced reports whether the precision is 16 or bf16.
func (p Precision) Reduced() bool { return p == Precision16 || p == PrecisionBF16 }

// EvalConfig is the typed view of a composed evaluation tree.
type EvalConfig struct {
	Name        string          `mapstructure:"name"`
	ClusterType string          `mapstructure:"cluster_type"`
	Trainer     TrainerConfig   `mapstructure:"trainer"`
	Model       ModelConfig     `mapstructure:"model"`
	Inference   InferenceConfig `mapstructure:"inference"`
	Runtime     RuntimeConfig   `mapstructure:"runtime"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
}

// TrainerConfig holds the execution runtime settings.
type TrainerConfig struct {
	Devices     int       `mapstructure:"devices"`
	NumNodes    int       `mapstructure:"num_nodes"`
	Accelerator string    `mapstructure:"accelerator"`
	Precision   Precision `mapstructure:"precision"`
}

// ModelConfig holds the base model and parallelism settings. Pointer fields
// distinguish unset keys from explicit zeros.
type ModelConfig struct {
	RestoreFromPath           string     `mapstructure:"restore_from_path"`
	Seed                      int        `mapstructure:"seed"`
	TensorModelParallelSize   int        `mapstructure:"tensor_model_parallel_size"`
	PipelineModelParallelSize int        `mapstructure:"pipeline_model_parallel_size"`
	MegatronAmpO2             bool       `mapstructure:"megatron_amp_O2"`
	GradientAsBucketView      bool       `mapstructure:"gradient_as_bucket_view"`
	NativeAmpInitScale        *float64   `mapstructure:"native_amp_init_scale"`
	NativeAmpGrowthInterval   *int       `mapstructure:"native_amp_growth_interval"`
	Hysteresis                *int       `mapstructure:"hysteresis"`
	Peft                      PeftConfig `mapstructure:"peft"`
	Data                      DataConfig `mapstructure:"data"`
}

// PeftConfig names the adapter artifact and scheme.
type PeftConfig struct {
	PeftScheme      string `mapstructure:"peft_scheme"`
	RestoreFromPath string `mapstructure:"restore_from_path"`
}

// DataConfig groups dataset sections.
type DataConfig struct {
	TestDS DatasetConfig `mapstructure:"test_ds"`
}

// DatasetConfig describes a JSONL test set and its batching.
type DatasetConfig struct {
	FileNames                            []string `mapstructure:"file_names"`
	Names                                []string `mapstructure:"names"`
	GlobalBatchSize                      int      `mapstructure:"global_batch_size"`
	MicroBatchSize                       int      `mapstructure:"micro_batch_size"`
	MaxSeqLength                         int      `mapstructure:"max_seq_length"`
	DropLast                             bool     `mapstructure:"drop_last"`
	ContextKey                           string   `mapstructure:"context_key"`
	LabelKey                             string   `mapstructure:"label_key"`
	AddBOS                               bool     `mapstructure:"add_bos"`
	AddEOS                               bool     `mapstructure:"add_eos"`
	AddSEP                               bool     `mapstructure:"add_sep"`
	SeparatePromptAndResponseWithNewline bool     `mapstructure:"separate_prompt_and_response_with_newline"`
	PromptTemplate                       string   `mapstructure:"prompt_template"`
	TokensToGenerate                     int      `mapstructure:"tokens_to_generate"`
}

// InferenceConfig carries decoding flags pushed into the model.
type InferenceConfig struct {
	Greedy               bool     `mapstructure:"greedy" json:"greedy"`
	TopK                 int      `mapstructure:"top_k" json:"top_k"`
	TopP                 float64  `mapstructure:"top_p" json:"top_p"`
	Temperature          float64  `mapstructure:"temperature" json:"temperature"`
	AllProbs             bool     `mapstructure:"all_probs" json:"all_probs"`
	RepetitionPenalty    float64  `mapstructure:"repetition_penalty" json:"repetition_penalty"`
	MinTokensToGenerate  int      `mapstructure:"min_tokens_to_generate" json:"min_tokens_to_generate"`
	ComputeLogprob       bool     `mapstructure:"compute_logprob" json:"compute_logprob"`
	ComputeAttentionMask bool     `mapstructure:"compute_attention_mask" json:"compute_attention_mask"`
	OutfilePath          string   `mapstructure:"outfile_path" json:"outfile_path,omitempty"`
	AddBOS               bool     `mapstructure:"add_BOS" json:"add_BOS"`
	TokensToGenerate     int      `mapstructure:"tokens_to_generate" json:"tokens_to_generate"`
	Stop                 []string `mapstructure:"stop" json:"stop,omitempty"`
}

// RuntimeConfig selects and tunes the llama.cpp backend.
type RuntimeConfig struct {
	Backend        string        `mapstructure:"backend"`
	StartMethod    string        `mapstructure:"start_method"`
	LlamaBin       string        `mapstructure:"llama_bin"`
	Host           string        `mapstructure:"host"`
	PortStart      int           `mapstructure:"port_start"`
	PortEnd        int           `mapstructure:"port_end"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Threads        int           `mapstructure:"threads"`
	GPULayers      int           `mapstructure:"gpu_layers"`
	BatchTokens    int           `mapstructure:"n_batch"`
	ReadyTimeout   time.Duration `mapstructure:"ready_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ExtraArgs      []string      `mapstructure:"extra_args"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	MetricsAddr     string `mapstructure:"metrics_addr"`
	MetricsTextfile string `mapstructure:"metrics_textfile"`
}

// Decode maps a tree onto a typed struct. Scalars are converted weakly
// (e.g. "16" to int, a single string to a one-element list) and durations
// accept Go duration strings.
func Decode(t Tree, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			precisionHook,
			missingValueHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(t.Plain())
}

// DecodeEval decodes the full evaluation config.
func DecodeEval(t Tree) (EvalConfig, error) {
	var cfg EvalConfig
	if err := Decode(t, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

var precisionType = reflect.TypeOf(Precision(""))

func precisionHook(from, to reflect.Type, data any) (any, error) {
	if to != precisionType {
		return data, nil
	}
	return ParsePrecision(data)
}

// missingValueHook maps the ??? placeholder to a zero value so unset
// mandatory strings decode as empty.
func missingValueHook(from, to reflect.Type, data any) (any, error) {
	if s, ok := data.(string); ok && s == MissingValue {
		return reflect.Zero(to).Interface(), nil
	}
	return data, nil
}
