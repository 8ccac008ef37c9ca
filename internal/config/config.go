// Package config loads readyd configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fyrsmithlabs/readyd/internal/logging"
	"github.com/fyrsmithlabs/readyd/internal/secrets"
	"github.com/fyrsmithlabs/readyd/internal/telemetry"
)

// Provider names accepted in the llm section.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config is the complete readyd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
	Store       StoreConfig       `koanf:"store"`
	Bus         BusConfig         `koanf:"bus"`
	Workers     WorkersConfig     `koanf:"workers"`
	Analysis    AnalysisConfig    `koanf:"analysis"`
	Suggestions SuggestionsConfig `koanf:"suggestions"`
	Repo        RepoConfig        `koanf:"repo"`
	LLM         LLMConfig         `koanf:"llm"`
	Secrets     secrets.Config    `koanf:"secrets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	HTTPPort        int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig locates the SQLite database. ":memory:" keeps everything in
// process.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// BusConfig selects the event bus.
type BusConfig struct {
	// Driver is "local" or "nats".
	Driver string `koanf:"driver"`
	// URL of an external NATS server. Ignored when Embedded is set.
	URL string `koanf:"url"`
	// Embedded starts an in-process NATS server that listens on Host:Port
	// so other readyd processes can share it.
	Embedded bool   `koanf:"embedded"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
}

// WorkersConfig sizes the background job pool.
type WorkersConfig struct {
	Count int `koanf:"count"`
}

// AnalysisConfig tunes readiness analysis jobs.
type AnalysisConfig struct {
	// DebounceWindow collapses identical requests for the same content.
	DebounceWindow time.Duration `koanf:"debounce_window"`
	// LLMReview adds a provider review to story analysis when a provider is
	// configured.
	LLMReview bool `koanf:"llm_review"`
}

// SuggestionsConfig tunes task suggestion jobs.
type SuggestionsConfig struct {
	MaxResults int `koanf:"max_results"`
	MinClarity int `koanf:"min_clarity"`
}

// RepoConfig configures access to GitHub for repository context.
type RepoConfig struct {
	GitHubToken     Secret        `koanf:"github_token"`
	APIBaseURL      string        `koanf:"api_base_url"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`
	RequestsPerHour int           `koanf:"requests_per_hour"`
	Burst           int           `koanf:"burst"`
	StructureWait   time.Duration `koanf:"structure_wait"`
}

// LLMConfig selects the primary and secondary model providers. Keys are
// flat so each one can be set from a single environment variable.
type LLMConfig struct {
	CallTimeout time.Duration `koanf:"call_timeout"`

	PrimaryProvider string `koanf:"primary_provider"`
	PrimaryModel    string `koanf:"primary_model"`
	PrimaryAPIKey   Secret `koanf:"primary_api_key"`
	PrimaryBaseURL  string `koanf:"primary_base_url"`

	SecondaryProvider string `koanf:"secondary_provider"`
	SecondaryModel    string `koanf:"secondary_model"`
	SecondaryAPIKey   Secret `koanf:"secondary_api_key"`
	SecondaryBaseURL  string `koanf:"secondary_base_url"`
}

// ProviderSettings is one configured provider.
type ProviderSettings struct {
	Name    string
	Model   string
	APIKey  Secret
	BaseURL string
}

// Configured reports whether the provider can be used.
func (p ProviderSettings) Configured() bool {
	return p.Name != "" && p.APIKey.IsSet()
}

// Primary returns the primary provider settings.
func (c LLMConfig) Primary() ProviderSettings {
	return ProviderSettings{Name: c.PrimaryProvider, Model: c.PrimaryModel, APIKey: c.PrimaryAPIKey, BaseURL: c.PrimaryBaseURL}
}

// Secondary returns the secondary provider settings.
func (c LLMConfig) Secondary() ProviderSettings {
	return ProviderSettings{Name: c.SecondaryProvider, Model: c.SecondaryModel, APIKey: c.SecondaryAPIKey, BaseURL: c.SecondaryBaseURL}
}

// Default returns a configuration that runs a single process with an
// in-memory store and no model provider.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			HTTPPort:        8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   logging.NewDefaultConfig(),
		Telemetry: telemetry.NewDefaultConfig(),
		Store:     StoreConfig{Path: ":memory:"},
		Bus:       BusConfig{Driver: "local", Host: "127.0.0.1", Port: 4222},
		Workers:   WorkersConfig{Count: 4},
		Analysis: AnalysisConfig{
			DebounceWindow: 5 * time.Minute,
		},
		Suggestions: SuggestionsConfig{
			MaxResults: 6,
			MinClarity: 70,
		},
		Repo: RepoConfig{
			APIBaseURL:      "https://api.github.com/",
			CallTimeout:     10 * time.Second,
			CacheTTL:        time.Hour,
			CacheMaxEntries: 500,
			RequestsPerHour: 5000,
			Burst:           10,
			StructureWait:   5 * time.Second,
		},
		LLM: LLMConfig{
			CallTimeout: 30 * time.Second,
		},
		Secrets: secrets.Config{Enabled: true},
	}
}

// Validate checks the whole configuration and reports every problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be within 1-65535, got %d", c.Server.HTTPPort)
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		add("logging: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		add("telemetry: %w", err)
	}
	if c.Store.Path == "" {
		add("store.path is required")
	}
	switch c.Bus.Driver {
	case "local":
	case "nats":
		if !c.Bus.Embedded && c.Bus.URL == "" {
			add("bus.url is required for an external nats bus")
		}
		if c.Bus.Embedded && (c.Bus.Port < -1 || c.Bus.Port > 65535) {
			add("bus.port must be within 1-65535 or -1 for a random port, got %d", c.Bus.Port)
		}
	default:
		add("bus.driver must be 'local' or 'nats', got %q", c.Bus.Driver)
	}
	if c.Workers.Count < 1 {
		add("workers.count must be >= 1, got %d", c.Workers.Count)
	}
	if c.Analysis.DebounceWindow < 0 {
		add("analysis.debounce_window must not be negative")
	}
	if c.Suggestions.MaxResults < 5 || c.Suggestions.MaxResults > 8 {
		add("suggestions.max_results must be within 5-8, got %d", c.Suggestions.MaxResults)
	}
	if c.Suggestions.MinClarity < 1 || c.Suggestions.MinClarity > 100 {
		add("suggestions.min_clarity must be within 1-100, got %d", c.Suggestions.MinClarity)
	}
	if _, err := url.ParseRequestURI(c.Repo.APIBaseURL); err != nil {
		add("repo.api_base_url: %w", err)
	}
	if c.Repo.CallTimeout <= 0 || c.Repo.StructureWait <= 0 {
		add("repo.call_timeout and repo.structure_wait must be > 0")
	}
	if c.Repo.CacheTTL <= 0 || c.Repo.CacheMaxEntries < 1 {
		add("repo.cache_ttl and repo.cache_max_entries must be > 0")
	}
	if c.Repo.RequestsPerHour < 1 || c.Repo.Burst < 1 {
		add("repo.requests_per_hour and repo.burst must be >= 1")
	}
	if c.LLM.CallTimeout <= 0 {
		add("llm.call_timeout must be > 0")
	}
	for _, p := range []ProviderSettings{c.LLM.Primary(), c.LLM.Secondary()} {
		switch p.Name {
		case "", ProviderAnthropic, ProviderOpenAI:
		default:
			add("llm provider must be %q or %q, got %q", ProviderAnthropic, ProviderOpenAI, p.Name)
		}
	}
	if c.LLM.PrimaryProvider == "" && c.LLM.SecondaryProvider != "" {
		add("llm.secondary_provider requires llm.primary_provider")
	}
	return errors.Join(errs...)
}
