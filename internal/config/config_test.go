package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readyd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GITHUB_TOKEN"} {
		t.Setenv(k, "")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.Suggestions.MaxResults)
	assert.Equal(t, 70, cfg.Suggestions.MinClarity)
	assert.Equal(t, time.Hour, cfg.Repo.CacheTTL)
	assert.Equal(t, 5000, cfg.Repo.RequestsPerHour)
	assert.Equal(t, 5*time.Minute, cfg.Analysis.DebounceWindow)
	assert.Equal(t, 30*time.Second, cfg.LLM.CallTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.HTTPPort = 0 }},
		{"bus driver", func(c *Config) { c.Bus.Driver = "kafka" }},
		{"nats without url", func(c *Config) { c.Bus.Driver = "nats" }},
		{"workers", func(c *Config) { c.Workers.Count = 0 }},
		{"max results low", func(c *Config) { c.Suggestions.MaxResults = 4 }},
		{"max results high", func(c *Config) { c.Suggestions.MaxResults = 9 }},
		{"min clarity zero", func(c *Config) { c.Suggestions.MinClarity = 0 }},
		{"min clarity high", func(c *Config) { c.Suggestions.MinClarity = 101 }},
		{"provider name", func(c *Config) { c.LLM.PrimaryProvider = "gemini" }},
		{"secondary alone", func(c *Config) { c.LLM.SecondaryProvider = ProviderOpenAI }},
		{"repo url", func(c *Config) { c.Repo.APIBaseURL = "not a url" }},
		{"logging", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("embedded nats", func(t *testing.T) {
		cfg := Default()
		cfg.Bus.Driver = "nats"
		cfg.Bus.Embedded = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, `
server:
  http_port: 9000
workers:
  count: 2
analysis:
  debounce_window: 90s
  llm_review: true
llm:
  primary_provider: anthropic
  primary_api_key: from-file
`, 0600)
	t.Setenv("READYD_SERVER_HTTP_PORT", "9100")
	t.Setenv("READYD_LLM_SECONDARY_PROVIDER", "openai")
	t.Setenv("READYD_LLM_SECONDARY_API_KEY", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.HTTPPort)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 90*time.Second, cfg.Analysis.DebounceWindow)
	assert.True(t, cfg.Analysis.LLMReview)
	assert.Equal(t, "from-file", cfg.LLM.Primary().APIKey.Value())
	assert.Equal(t, "from-env", cfg.LLM.Secondary().APIKey.Value())
	assert.Equal(t, 4, Default().Workers.Count, "defaults are not shared")
	assert.Equal(t, "127.0.0.1", cfg.Server.Host, "unset keys keep defaults")
}

func TestLoad_NoFile(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.False(t, cfg.LLM.Primary().Configured())
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs")
	}
	path := writeConfig(t, "server:\n  http_port: 9000\n", 0644)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_RejectsOversizedFile(t *testing.T) {
	big := fmt.Sprintf("# %s\n", string(make([]byte, maxConfigFileSize)))
	path := writeConfig(t, big, 0600)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.http_port", envKey("READYD_SERVER_HTTP_PORT"))
	assert.Equal(t, "llm.primary_api_key", envKey("READYD_LLM_PRIMARY_API_KEY"))
	assert.Equal(t, "debug", envKey("READYD_DEBUG"))
}

func TestApplyEnvFallbacks(t *testing.T) {
	env := map[string]string{
		"ANTHROPIC_API_KEY": "ak",
		"OPENAI_API_KEY":    "ok",
		"GITHUB_TOKEN":      "gt",
	}
	getenv := func(k string) string { return env[k] }

	t.Run("selects providers from conventional keys", func(t *testing.T) {
		cfg := Default()
		applyEnvFallbacks(cfg, getenv)
		assert.Equal(t, ProviderAnthropic, cfg.LLM.PrimaryProvider)
		assert.Equal(t, "ak", cfg.LLM.PrimaryAPIKey.Value())
		assert.Equal(t, ProviderOpenAI, cfg.LLM.SecondaryProvider)
		assert.Equal(t, "ok", cfg.LLM.SecondaryAPIKey.Value())
		assert.Equal(t, "gt", cfg.Repo.GitHubToken.Value())
	})

	t.Run("explicit settings win", func(t *testing.T) {
		cfg := Default()
		cfg.LLM.PrimaryProvider = ProviderOpenAI
		cfg.LLM.PrimaryAPIKey = "explicit"
		applyEnvFallbacks(cfg, getenv)
		assert.Equal(t, "explicit", cfg.LLM.PrimaryAPIKey.Value())
		assert.Empty(t, cfg.LLM.SecondaryProvider)
	})
}

func TestSecret_NeverPrints(t *testing.T) {
	s := Secret("sk-ant-abc")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", struct{ K Secret }{s}), "sk-ant")

	data, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"[REDACTED]"}`, string(data))

	assert.Equal(t, "sk-ant-abc", s.Value())
	assert.True(t, s.IsSet())
	assert.Empty(t, Secret("").String())
}
