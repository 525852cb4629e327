package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 60*time.Second, cfg.LLM.Timeout)
	assert.InDelta(t, 5.0, cfg.LLM.RateLimit, 0.001)
	assert.Equal(t, 5, cfg.LLM.Burst)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)
	assert.Equal(t, 5, cfg.LLM.CircuitBreaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.LLM.CircuitBreaker.Cooldown)
	assert.Equal(t, "replay", cfg.Reasoner.Mode)
	assert.Equal(t, 1500, cfg.Reasoner.MaxTokens)
	assert.Empty(t, cfg.Pipeline.ConfigFile)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "fincheck", cfg.Metrics.Namespace)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
llm:
  provider: anthropic
  model: claude-3-5-haiku-latest
  timeout: 15s
  circuit_breaker:
    threshold: 3
reasoner:
  mode: llm
pipeline:
  config_file: pipeline.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fincheck.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", cfg.LLM.Model)
	assert.Equal(t, 15*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 3, cfg.LLM.CircuitBreaker.Threshold)
	assert.Equal(t, "llm", cfg.Reasoner.Mode)
	assert.Equal(t, "pipeline.yaml", cfg.Pipeline.ConfigFile)
	// Defaults still apply for unset values.
	assert.Equal(t, 30*time.Second, cfg.LLM.CircuitBreaker.Cooldown)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: google\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "google", cfg.LLM.Provider)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err, "an explicit config file must exist")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fincheck.yaml"), []byte("log:\n  level: debug\n"), 0o644))

	t.Setenv("FINCHECK_LOG_LEVEL", "warn")
	t.Setenv("FINCHECK_LLM_API_KEY", "sk-env")
	t.Setenv("FINCHECK_LLM_CIRCUIT_BREAKER_THRESHOLD", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-env", cfg.LLM.APIKey)
	assert.Equal(t, 9, cfg.LLM.CircuitBreaker.Threshold)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown provider", env: map[string]string{"FINCHECK_LLM_PROVIDER": "mistral"}},
		{name: "unknown reasoner mode", env: map[string]string{"FINCHECK_REASONER_MODE": "oracle"}},
		{name: "bad log level", env: map[string]string{"FINCHECK_LOG_LEVEL": "loud"}},
		{name: "bad log format", env: map[string]string{"FINCHECK_LOG_FORMAT": "xml"}},
		{name: "too many retries", env: map[string]string{"FINCHECK_LLM_MAX_RETRIES": "50"}},
		{name: "bad base url", env: map[string]string{"FINCHECK_LLM_BASE_URL": "not a url"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestValidate_MetricsNeedAddr(t *testing.T) {
	cfg := &Config{
		Log:      LogConfig{Level: "info", Format: "json"},
		LLM:      LLMConfig{Provider: "openai"},
		Reasoner: ReasonerConfig{Mode: "replay"},
		Metrics:  MetricsConfig{Enabled: true},
	}
	require.Error(t, cfg.Validate())

	cfg.Metrics.Addr = ":9100"
	require.NoError(t, cfg.Validate())
}

func TestInitLogger(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))

	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}
