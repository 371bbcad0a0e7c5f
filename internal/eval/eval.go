// Package eval runs one evaluation: compose configuration, select the
// execution plan, restore base and adapter, batch the test set, predict and
// write the results.
package eval

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"peval/internal/checkpoint"
	"peval/internal/config"
	"peval/internal/data"
	"peval/internal/events"
	"peval/internal/metrics"
	"peval/internal/model"
	"peval/internal/output"
	"peval/internal/strategy"
	"peval/internal/trainer"
	"peval/pkg/types"
)

// BackendFactory builds the generation runtime.
type BackendFactory func(rc config.RuntimeConfig, opts model.Options) (model.Backend, error)

// Deps are the collaborators of a run. Zero values select the defaults.
type Deps struct {
	Stdout  io.Writer
	Logger  zerolog.Logger
	Events  events.Publisher
	Metrics *metrics.Metrics
	// NewBackend defaults to model.NewBackend.
	NewBackend BackendFactory
	// Inspect defaults to GGUF header inspection.
	Inspect checkpoint.Inspector
	// WorkDir hosts temporary checkpoint extraction.
	WorkDir string
}

// Result summarizes a finished run.
type Result struct {
	Plan          strategy.Plan
	Config        config.Tree
	AdapterConfig config.Tree
	Inference     config.InferenceConfig
	Responses     []types.Response
	Coordinator   bool
	Duration      time.Duration
}

// PatchAdapterConfig returns a copy of the adapter config with the run's
// precision and test dataset section.
func PatchAdapterConfig(adapterCfg, runCfg config.Tree) (config.Tree, error) {
	prec, _ := runCfg.Get("trainer.precision")
	out, err := adapterCfg.With("precision", prec)
	if err != nil {
		return nil, err
	}
	return out.With("data.test_ds", runCfg.Sub("model.data.test_ds"))
}

// PropagateGeneration returns a copy of the run config whose inference
// section takes add_BOS and tokens_to_generate from the adapter's test
// dataset section. Keys the adapter does not set are left alone.
func PropagateGeneration(runCfg, adapterCfg config.Tree) (config.Tree, error) {
	out := runCfg
	for src, dst := range map[string]string{
		"data.test_ds.add_bos":            "inference.add_BOS",
		"data.test_ds.tokens_to_generate": "inference.tokens_to_generate",
	} {
		v, ok := adapterCfg.Get(src)
		if !ok {
			continue
		}
		var err error
		if out, err = out.With(dst, v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Run executes the evaluation described by tree.
func Run(ctx context.Context, tree config.Tree, deps Deps) (*Result, error) {
	log := deps.Logger
	start := time.Now()
	log.Info().Msg("************** Experiment configuration ***********")
	log.Info().Msg("\n" + tree.YAML())

	if err := config.Validate(tree); err != nil {
		return nil, err
	}
	resolved, err := tree.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}
	cfg, err := config.DecodeEval(resolved)
	if err != nil {
		return nil, err
	}

	plan := strategy.Select(cfg)
	log.Info().Strs("plugins", plan.Names()).Int("devices", plan.Strategy.Devices).
		Int("num_nodes", plan.Strategy.NumNodes).Msg("execution plan selected")
	if sc := plan.Scaler(); sc != nil {
		log.Debug().Float64("init_scale", sc.InitScale).Int("growth_interval", sc.GrowthInterval).
			Int("hysteresis", sc.Hysteresis).Bool("enabled", sc.Enabled).Msg("grad scaler")
	}

	adapterPath := cfg.Model.Peft.RestoreFromPath
	adapterCfg, err := checkpoint.RestoreConfig(adapterPath)
	if err != nil {
		return nil, err
	}
	if adapterCfg, err = PatchAdapterConfig(adapterCfg, resolved); err != nil {
		return nil, fmt.Errorf("patch adapter config: %w", err)
	}
	if tree, err = PropagateGeneration(tree, adapterCfg); err != nil {
		return nil, fmt.Errorf("propagate generation settings: %w", err)
	}

	conn := checkpoint.NewConnector(cfg.Model.RestoreFromPath, adapterPath, log)
	conn.WorkDir = deps.WorkDir
	conn.Inspect = deps.Inspect
	if conn.ExtractedDir != "" {
		log.Info().Str("dir", conn.ExtractedDir).Msg("using extracted base model directory")
	}
	restored, err := conn.Restore(cfg.Model.RestoreFromPath, adapterCfg)
	if err != nil {
		return nil, err
	}
	defer restored.Close()
	if deps.Metrics != nil {
		deps.Metrics.ObserveRestore(restored.Duration)
	}
	log.Info().Str("scheme", restored.Scheme).Str("architecture", restored.Architecture).
		Dur("took", restored.Duration).Msg("model restored")

	var ds config.DatasetConfig
	if err := config.Decode(adapterCfg.Sub("data.test_ds"), &ds); err != nil {
		return nil, fmt.Errorf("decode test_ds: %w", err)
	}

	newBackend := deps.NewBackend
	if newBackend == nil {
		newBackend = model.NewBackend
	}
	backend, err := newBackend(cfg.Runtime, model.Options{
		F16KV:          plan.HalfPrecisionKV(),
		TensorParallel: cfg.Model.TensorModelParallelSize,
		Parallel:       plan.Strategy.Devices,
		ContextSize:    ds.MaxSeqLength,
		Seed:           cfg.Model.Seed,
		Logger:         log,
		Events:         deps.Events,
	})
	if err != nil {
		return nil, err
	}
	m := model.New(backend, restored, log)
	if err := m.SetSeed(cfg.Model.Seed); err != nil {
		return nil, err
	}
	m.Freeze()
	defer m.Close()

	sets, err := data.Build(ds)
	if err != nil {
		return nil, err
	}
	if len(sets) > 1 {
		log.Warn().Int("datasets", len(sets)).Str("using", sets[0].Name).Msg("only the first test dataset is evaluated")
	}
	batchSize := ds.GlobalBatchSize
	if batchSize < 1 {
		batchSize = ds.MicroBatchSize
	}
	loader := data.NewLoader(sets[0], batchSize, ds.DropLast, sets[0].Collate)
	log.Info().Str("dataset", sets[0].Name).Int("examples", sets[0].Len()).Int("batch_size", batchSize).Msg("test dataset loaded")

	infTree, err := tree.ResolveSub("inference")
	if err != nil {
		return nil, fmt.Errorf("resolve inference config: %w", err)
	}
	var inf config.InferenceConfig
	if err := config.Decode(infTree, &inf); err != nil {
		return nil, fmt.Errorf("decode inference config: %w", err)
	}
	m.SetInferenceConfig(inf)

	var rec trainer.Recorder
	if deps.Metrics != nil {
		rec = deps.Metrics
	}
	tr := trainer.New(plan, deps.Events, rec, log)
	responses, err := tr.Predict(ctx, m, loader)
	if err != nil {
		return nil, err
	}

	coordinator := tr.IsGlobalZero()
	w := output.Writer{Stdout: deps.Stdout, Logger: log}
	if err := w.Write(inf.OutfilePath, responses, coordinator); err != nil {
		return nil, err
	}
	if p := cfg.Telemetry.MetricsTextfile; p != "" && deps.Metrics != nil && coordinator {
		if err := deps.Metrics.WriteTextfile(p); err != nil {
			return nil, fmt.Errorf("write metrics textfile: %w", err)
		}
	}
	return &Result{
		Plan:          plan,
		Config:        tree,
		AdapterConfig: adapterCfg,
		Inference:     inf,
		Responses:     responses,
		Coordinator:   coordinator,
		Duration:      time.Since(start),
	}, nil
}
