package checkpoint

import (
	"fmt"
	"strings"

	gguf "github.com/gpustack/gguf-parser-go"

	"peval/internal/config"
)

// Known PEFT schemes. Only LoRA can be applied by llama.cpp.
const (
	SchemeLoRA              = "lora"
	SchemeAdapter           = "adapter"
	SchemeIA3               = "ia3"
	SchemePTuning           = "ptuning"
	SchemeAdapterAndPTuning = "adapter_and_ptuning"
)

var knownSchemes = map[string]bool{
	SchemeLoRA: true, SchemeAdapter: true, SchemeIA3: true,
	SchemePTuning: true, SchemeAdapterAndPTuning: true,
}

// Scheme returns the adapter's PEFT scheme, defaulting to lora.
func Scheme(adapterCfg config.Tree) string {
	s := strings.ToLower(strings.TrimSpace(adapterCfg.String("peft.peft_scheme")))
	if s == "" {
		return SchemeLoRA
	}
	return s
}

// CheckScheme rejects schemes other than lora.
func CheckScheme(scheme string) error {
	if scheme == SchemeLoRA {
		return nil
	}
	if !knownSchemes[scheme] {
		return unsupportedSchemeError{scheme: scheme + " (unknown)"}
	}
	return unsupportedSchemeError{scheme: scheme}
}

// structuralKeys must agree between the base config and the adapter's
// saved config whenever both define them.
var structuralKeys = []string{"hidden_size", "num_layers", "num_attention_heads", "ffn_hidden_size"}

// CheckConfigs compares the architecture keys of both configs.
func CheckConfigs(base, adapter config.Tree) error {
	for _, k := range structuralKeys {
		if !base.IsSet(k) || !adapter.IsSet(k) {
			continue
		}
		if b, a := base.String(k), adapter.String(k); b != a {
			return incompatibleError{msg: fmt.Sprintf("%s: base=%s adapter=%s", k, b, a)}
		}
	}
	return nil
}

// WeightsInfo is the header summary of a weight file.
type WeightsInfo struct {
	Architecture string
	Type         string
	Name         string
}

// Inspector reads a weight file header.
type Inspector func(path string) (WeightsInfo, error)

// InspectGGUF reads the metadata of a GGUF file.
func InspectGGUF(path string) (WeightsInfo, error) {
	f, err := gguf.ParseGGUFFile(path)
	if err != nil {
		return WeightsInfo{}, err
	}
	md := f.Metadata()
	return WeightsInfo{Architecture: md.Architecture, Type: md.Type, Name: md.Name}, nil
}

// CheckWeights verifies the adapter file is an adapter for the base's
// architecture.
func CheckWeights(base, adapter WeightsInfo) error {
	if t := strings.ToLower(adapter.Type); t != "" && t != "adapter" {
		return incompatibleError{msg: fmt.Sprintf("adapter weights have type %q, want \"adapter\"", adapter.Type)}
	}
	if t := strings.ToLower(base.Type); t == "adapter" {
		return incompatibleError{msg: "base weights are an adapter file"}
	}
	if base.Architecture != "" && adapter.Architecture != "" && base.Architecture != adapter.Architecture {
		return incompatibleError{msg: fmt.Sprintf("architecture: base=%s adapter=%s", base.Architecture, adapter.Architecture)}
	}
	return nil
}
