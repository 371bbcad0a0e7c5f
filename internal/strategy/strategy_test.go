package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peval/internal/config"
)

func evalConfig(t *testing.T, overrides ...string) config.EvalConfig {
	t.Helper()
	tr, err := config.Compose("", overrides)
	require.NoError(t, err)
	cfg, err := config.DecodeEval(tr)
	require.NoError(t, err)
	return cfg
}

func TestSelectFP16ScalerEnabledWithoutPipeline(t *testing.T) {
	p := Select(evalConfig(t, "trainer.precision=16", "model.pipeline_model_parallel_size=1"))
	s := p.Scaler()
	require.NotNil(t, s)
	assert.True(t, s.Enabled)
	assert.Equal(t, DefaultInitScale, s.InitScale)
	assert.Equal(t, DefaultGrowthInterval, s.GrowthInterval)
	assert.Equal(t, DefaultHysteresis, s.Hysteresis)
}

func TestSelectFP16ScalerDisabledWithPipeline(t *testing.T) {
	p := Select(evalConfig(t, "trainer.precision=16", "model.pipeline_model_parallel_size=2"))
	require.NotNil(t, p.Scaler())
	assert.False(t, p.Scaler().Enabled)
}

func TestSelectScalerOverrides(t *testing.T) {
	p := Select(evalConfig(t, "+model.native_amp_init_scale=65536", "+model.native_amp_growth_interval=10", "+model.hysteresis=0"))
	s := p.Scaler()
	require.NotNil(t, s)
	assert.Equal(t, 65536.0, s.InitScale)
	assert.Equal(t, 10, s.GrowthInterval)
	assert.Equal(t, 0, s.Hysteresis)
}

func TestSelectPrecisionPluginKind(t *testing.T) {
	p := Select(evalConfig(t, "trainer.precision=bf16"))
	require.Len(t, p.Plugins, 1)
	mp, ok := p.Plugins[0].(*MixedPrecisionPlugin)
	require.True(t, ok)
	assert.Nil(t, mp.Scaler, "bf16 has no loss scaler")
	assert.Equal(t, "cuda", mp.Device)

	p = Select(evalConfig(t, "trainer.precision=16", "model.megatron_amp_O2=true"))
	require.Len(t, p.Plugins, 1)
	hp, ok := p.Plugins[0].(*HalfPrecisionPlugin)
	require.True(t, ok)
	assert.NotNil(t, hp.Scaler)
	assert.True(t, p.HalfPrecisionKV())
}

func TestSelectFP32HasNoPrecisionPlugin(t *testing.T) {
	p := Select(evalConfig(t, "trainer.precision=32"))
	assert.Empty(t, p.Plugins)
	assert.Nil(t, p.Scaler())
	assert.False(t, p.HalfPrecisionKV())
	assert.Equal(t, config.Precision32, p.Precision())
}

func TestSelectElasticOnlyForBCP(t *testing.T) {
	p := Select(evalConfig(t, "cluster_type=BCP"))
	assert.True(t, p.Has("elastic_environment"))
	_, ok := p.Environment().(*ElasticEnvironment)
	assert.True(t, ok)

	for _, ct := range []string{"cluster_type=null", "cluster_type=k8s"} {
		p = Select(evalConfig(t, ct))
		assert.False(t, p.Has("elastic_environment"), ct)
		_, ok = p.Environment().(LocalEnvironment)
		assert.True(t, ok, ct)
	}
}

func TestStrategyDescriptor(t *testing.T) {
	p := Select(evalConfig(t, "trainer.devices=4", "trainer.num_nodes=2", "model.gradient_as_bucket_view=true"))
	assert.True(t, p.Strategy.NoDDPCommunicationHook)
	assert.False(t, p.Strategy.FindUnusedParameters)
	assert.True(t, p.Strategy.GradientAsBucketView)
	assert.Equal(t, 8, p.Environment().WorldSize())
	assert.Equal(t, 0, p.Environment().GlobalRank())
}

func TestElasticEnvironmentReadsRankVariables(t *testing.T) {
	vars := map[string]string{"RANK": "3", "LOCAL_RANK": "1", "WORLD_SIZE": "4"}
	env := &ElasticEnvironment{Getenv: func(k string) string { return vars[k] }}
	assert.Equal(t, 3, env.GlobalRank())
	assert.Equal(t, 1, env.LocalRank())
	assert.Equal(t, 4, env.WorldSize())

	empty := &ElasticEnvironment{Getenv: func(string) string { return "" }}
	assert.Equal(t, 0, empty.GlobalRank())
	assert.Equal(t, 1, empty.WorldSize())
}
