// Package strategy turns trainer and model flags into an execution plan:
// the data-parallel strategy, an optional precision plugin and an optional
// cluster environment plugin. Plans are plain descriptors; nothing here
// touches devices or processes.
package strategy

import (
	"os"
	"strconv"
	"strings"

	"peval/internal/config"
)

// Defaults used when the model config leaves the loss-scaler knobs unset.
const (
	DefaultInitScale      = 4294967296.0 // 2^32
	DefaultGrowthInterval = 1000
	DefaultHysteresis     = 2
)

// ClusterBCP selects the elastic environment plugin.
const ClusterBCP = "BCP"

// DDPStrategy describes the data-parallel strategy.
type DDPStrategy struct {
	NoDDPCommunicationHook bool
	GradientAsBucketView   bool
	FindUnusedParameters   bool
	Devices                int
	NumNodes               int
}

// Plugin is an execution plugin descriptor.
type Plugin interface {
	Name() string
}

// GradScaler describes dynamic loss scaling for fp16.
type GradScaler struct {
	InitScale      float64
	GrowthInterval int
	Hysteresis     int
	Enabled        bool
}

// HalfPrecisionPlugin keeps weights in half precision (O2 style).
type HalfPrecisionPlugin struct {
	Precision config.Precision
	Device    string
	Scaler    *GradScaler
}

func (*HalfPrecisionPlugin) Name() string { return "half_precision" }

// MixedPrecisionPlugin autocasts activations while keeping fp32 weights.
type MixedPrecisionPlugin struct {
	Precision config.Precision
	Device    string
	Scaler    *GradScaler
}

func (*MixedPrecisionPlugin) Name() string { return "mixed_precision" }

// Environment reports the process position among cooperating peers.
type Environment interface {
	GlobalRank() int
	LocalRank() int
	WorldSize() int
}

// ElasticEnvironment reads torchrun-style rank variables.
type ElasticEnvironment struct {
	Getenv func(string) string
}

func (*ElasticEnvironment) Name() string { return "elastic_environment" }

func (e *ElasticEnvironment) getenv(k string) string {
	if e.Getenv != nil {
		return e.Getenv(k)
	}
	return os.Getenv(k)
}

func (e *ElasticEnvironment) intVar(k string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(e.getenv(k)))
	if err != nil {
		return def
	}
	return n
}

func (e *ElasticEnvironment) GlobalRank() int { return e.intVar("RANK", 0) }
func (e *ElasticEnvironment) LocalRank() int  { return e.intVar("LOCAL_RANK", 0) }
func (e *ElasticEnvironment) WorldSize() int  { return e.intVar("WORLD_SIZE", 1) }

// LocalEnvironment is used when no cluster plugin is configured: this
// process is the coordinator of devices*nodes slots.
type LocalEnvironment struct {
	World int
}

func (LocalEnvironment) GlobalRank() int { return 0 }
func (LocalEnvironment) LocalRank() int  { return 0 }
func (l LocalEnvironment) WorldSize() int {
	if l.World < 1 {
		return 1
	}
	return l.World
}

// Plan is the selected strategy plus plugins, in selection order.
type Plan struct {
	Strategy DDPStrategy
	Plugins  []Plugin
}

// Select builds the plan for cfg.
func Select(cfg config.EvalConfig) Plan {
	p := Plan{Strategy: DDPStrategy{
		NoDDPCommunicationHook: true,
		GradientAsBucketView:   cfg.Model.GradientAsBucketView,
		FindUnusedParameters:   false,
		Devices:                atLeastOne(cfg.Trainer.Devices),
		NumNodes:               atLeastOne(cfg.Trainer.NumNodes),
	}}

	if prec := cfg.Trainer.Precision; prec.Reduced() {
		var scaler *GradScaler
		if prec == config.Precision16 {
			scaler = newGradScaler(cfg.Model)
		}
		// Distributed Adam is a training-only optimizer; it is never on here.
		const withDistributedAdam = false
		if cfg.Model.MegatronAmpO2 && !withDistributedAdam {
			p.Plugins = append(p.Plugins, &HalfPrecisionPlugin{Precision: prec, Device: "cuda", Scaler: scaler})
		} else {
			p.Plugins = append(p.Plugins, &MixedPrecisionPlugin{Precision: prec, Device: "cuda", Scaler: scaler})
		}
	}

	if cfg.ClusterType == ClusterBCP {
		p.Plugins = append(p.Plugins, &ElasticEnvironment{})
	}
	return p
}

// newGradScaler disables scaling for pipeline-parallel models.
func newGradScaler(m config.ModelConfig) *GradScaler {
	s := &GradScaler{
		InitScale:      DefaultInitScale,
		GrowthInterval: DefaultGrowthInterval,
		Hysteresis:     DefaultHysteresis,
		Enabled:        m.PipelineModelParallelSize <= 1,
	}
	if m.NativeAmpInitScale != nil {
		s.InitScale = *m.NativeAmpInitScale
	}
	if m.NativeAmpGrowthInterval != nil {
		s.GrowthInterval = *m.NativeAmpGrowthInterval
	}
	if m.Hysteresis != nil {
		s.Hysteresis = *m.Hysteresis
	}
	return s
}

// Environment returns the cluster environment plugin if one was selected,
// otherwise a local environment sized from the strategy.
func (p Plan) Environment() Environment {
	for _, pl := range p.Plugins {
		if env, ok := pl.(Environment); ok {
			return env
		}
	}
	return LocalEnvironment{World: p.Strategy.Devices * p.Strategy.NumNodes}
}

// Precision returns the precision plugin's precision, or 32 without one.
func (p Plan) Precision() config.Precision {
	for _, pl := range p.Plugins {
		switch x := pl.(type) {
		case *HalfPrecisionPlugin:
			return x.Precision
		case *MixedPrecisionPlugin:
			return x.Precision
		}
	}
	return config.Precision32
}

// HalfPrecisionKV reports whether the runtime should keep its KV cache in
// f16.
func (p Plan) HalfPrecisionKV() bool { return p.Precision().Reduced() }

// Scaler returns the loss scaler of the precision plugin, if any.
func (p Plan) Scaler() *GradScaler {
	for _, pl := range p.Plugins {
		switch x := pl.(type) {
		case *HalfPrecisionPlugin:
			return x.Scaler
		case *MixedPrecisionPlugin:
			return x.Scaler
		}
	}
	return nil
}

// Has reports whether a plugin with the given name is in the plan.
func (p Plan) Has(name string) bool {
	for _, pl := range p.Plugins {
		if pl.Name() == name {
			return true
		}
	}
	return false
}

// Names lists plugin names in plan order.
func (p Plan) Names() []string {
	out := make([]string, 0, len(p.Plugins))
	for _, pl := range p.Plugins {
		out = append(out, pl.Name())
	}
	return out
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
