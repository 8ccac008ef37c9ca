package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "READYD_"

const maxConfigFileSize = 1024 * 1024

// Load builds the configuration.
//
// Precedence, highest first:
//  1. READYD_* environment variables
//  2. the YAML file at path, when path is non-empty
//  3. Default()
//
// Environment names split on the first underscore after the prefix:
//
//	READYD_SERVER_HTTP_PORT      -> server.http_port
//	READYD_LLM_PRIMARY_API_KEY   -> llm.primary_api_key
//	READYD_REPO_GITHUB_TOKEN     -> repo.github_token
//
// Provider keys also fall back to ANTHROPIC_API_KEY, OPENAI_API_KEY and
// GITHUB_TOKEN. The config file must be 0600 or 0400 and at most 1MB since
// it may carry credentials.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyEnvFallbacks(cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps READYD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// applyEnvFallbacks fills unset credentials from the conventional variable
// names. With no provider configured at all, the first conventional key
// found selects the primary provider.
func applyEnvFallbacks(cfg *Config, getenv func(string) string) {
	conventional := map[string]string{
		ProviderAnthropic: getenv("ANTHROPIC_API_KEY"),
		ProviderOpenAI:    getenv("OPENAI_API_KEY"),
	}

	if cfg.LLM.PrimaryProvider == "" {
		for _, name := range []string{ProviderAnthropic, ProviderOpenAI} {
			if conventional[name] == "" {
				continue
			}
			if cfg.LLM.PrimaryProvider == "" {
				cfg.LLM.PrimaryProvider = name
			} else if cfg.LLM.SecondaryProvider == "" {
				cfg.LLM.SecondaryProvider = name
			}
		}
	}
	if !cfg.LLM.PrimaryAPIKey.IsSet() {
		cfg.LLM.PrimaryAPIKey = Secret(conventional[cfg.LLM.PrimaryProvider])
	}
	if !cfg.LLM.SecondaryAPIKey.IsSet() {
		cfg.LLM.SecondaryAPIKey = Secret(conventional[cfg.LLM.SecondaryProvider])
	}
	if !cfg.Repo.GitHubToken.IsSet() {
		cfg.Repo.GitHubToken = Secret(getenv("GITHUB_TOKEN"))
	}
}

// readConfigFile validates through the opened descriptor to avoid a
// stat/open race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFile(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}
	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigFileSize)
	}
	return content, nil
}

func validateConfigFile(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
