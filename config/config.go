// Package config provides configuration loading and management for envdraft.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/envdraft/aiclient"
	"github.com/c360studio/envdraft/llm"
	"github.com/c360studio/envdraft/model"
	"github.com/c360studio/envdraft/prompt"
	"github.com/c360studio/envdraft/quota"
)

// Config represents the complete envdraft configuration
type Config struct {
	Library    LibraryConfig  `yaml:"library"`
	Provider   ProviderConfig `yaml:"provider"`
	Generation model.Config   `yaml:"generation"`
	Quota      QuotaConfig    `yaml:"quota"`
	Cache      CacheConfig    `yaml:"cache"`
	Assembly   AssemblyConfig `yaml:"assembly"`
	Degraded   DegradedConfig `yaml:"degraded"`
	Server     ServerConfig   `yaml:"server"`
}

// LibraryConfig locates the template library and rule matrix
type LibraryConfig struct {
	// TemplateRoot holds one YAML file per chapter (searched recursively)
	TemplateRoot string `yaml:"template_root"`
	// DocumentsFile lists the document types and their section order
	DocumentsFile string `yaml:"documents_file"`
	// RulesFile is the compliance rule matrix (empty = no rules)
	RulesFile string `yaml:"rules_file"`
	// Watch reloads the library when files under it change
	Watch bool `yaml:"watch"`
}

// ProviderConfig configures the LLM endpoint
type ProviderConfig struct {
	// Name selects the wire format (openai, ollama, anthropic)
	Name string `yaml:"name"`
	// Endpoint is the API base URL
	Endpoint string `yaml:"endpoint"`
	// APIKeyEnv names the environment variable holding the credential
	APIKeyEnv string `yaml:"api_key_env"`
	// AuthHeader and AuthScheme describe how the credential is sent
	AuthHeader string `yaml:"auth_header"`
	AuthScheme string `yaml:"auth_scheme"`
	// Timeout is the hard limit for one provider attempt
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	// BreakerThreshold consecutive failures open the circuit (0 disables)
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// QuotaConfig configures the daily call limits
type QuotaConfig struct {
	PerUserDaily int `yaml:"per_user_daily"`
	GlobalDaily  int `yaml:"global_daily"`
	// Timezone is the IANA zone whose midnight resets the counters
	Timezone string `yaml:"timezone"`
}

// CacheConfig configures the generation cache
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
	// SharedURL selects an optional shared tier: redis://, rediss://, nats://
	SharedURL string `yaml:"shared_url"`
	// SharedBucket is the NATS KV bucket or Redis key prefix
	SharedBucket string `yaml:"shared_bucket"`
}

// AssemblyConfig configures document assembly
type AssemblyConfig struct {
	// Parallelism bounds concurrent section generations per document
	Parallelism int `yaml:"parallelism"`
}

// DegradedConfig configures fallback text
type DegradedConfig struct {
	// MarkerTemplate renders stubs; it sees .Title, .Enterprise, .Reason, .Section
	MarkerTemplate string `yaml:"marker_template"`
	// MissingValue replaces enterprise data that is absent
	MissingValue string `yaml:"missing_value"`
}

// ServerConfig configures the HTTP adapter
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	retry := llm.DefaultRetryConfig()
	health := llm.DefaultHealthConfig()
	return &Config{
		Library: LibraryConfig{
			TemplateRoot:  "./library/templates",
			DocumentsFile: "./library/documents.yaml",
			RulesFile:     "./library/rules.yaml",
		},
		Provider: ProviderConfig{
			Name:             "openai",
			Endpoint:         "https://api.openai.com/v1",
			APIKeyEnv:        "ENVDRAFT_LLM_API_KEY",
			AuthHeader:       "Authorization",
			AuthScheme:       "Bearer",
			Timeout:          llm.DefaultTimeout,
			MaxAttempts:      retry.MaxAttempts,
			BackoffBase:      retry.BackoffBase,
			MaxBackoff:       retry.MaxBackoff,
			BreakerThreshold: health.FailureThreshold,
			BreakerCooldown:  health.RecoveryTimeout,
		},
		Generation: model.DefaultConfig(),
		Quota: QuotaConfig{
			PerUserDaily: 50,
			GlobalDaily:  2000,
			Timezone:     "Asia/Shanghai",
		},
		Cache: CacheConfig{
			TTL:          24 * time.Hour,
			Capacity:     1024,
			SharedBucket: "ENVDRAFT_GENERATIONS",
		},
		Assembly: AssemblyConfig{
			Parallelism: 4,
		},
		Degraded: DegradedConfig{
			MarkerTemplate: aiclient.DefaultMarkerTemplate,
			MissingValue:   prompt.DefaultMissingValue,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Library.TemplateRoot == "" {
		return fmt.Errorf("library.template_root is required")
	}
	if c.Provider.Endpoint == "" {
		return fmt.Errorf("provider.endpoint is required")
	}
	if c.Provider.Name == "" {
		return fmt.Errorf("provider.name is required")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}
	if err := c.Retry().Validate(); err != nil {
		return fmt.Errorf("provider retry: %w", err)
	}
	if c.Provider.BreakerThreshold < 0 {
		return fmt.Errorf("provider.breaker_threshold must not be negative")
	}
	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	if c.Quota.PerUserDaily < 0 || c.Quota.GlobalDaily < 0 {
		return fmt.Errorf("quota limits must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1")
	}
	if c.Assembly.Parallelism < 1 {
		return fmt.Errorf("assembly.parallelism must be at least 1")
	}
	if _, err := aiclient.ParseMarkerTemplate(c.Degraded.MarkerTemplate); err != nil {
		return fmt.Errorf("degraded.marker_template: %w", err)
	}
	return nil
}

// Location resolves the quota timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone %q: %w", c.Quota.Timezone, err)
	}
	return loc, nil
}

// Endpoint returns the provider endpoint description
func (c *Config) Endpoint() llm.Endpoint {
	return llm.Endpoint{
		Provider: c.Provider.Name,
		URL:      c.Provider.Endpoint,
		Auth: llm.Auth{
			Header:    c.Provider.AuthHeader,
			Scheme:    c.Provider.AuthScheme,
			APIKeyEnv: c.Provider.APIKeyEnv,
		},
	}
}

// Retry returns the provider retry policy
func (c *Config) Retry() llm.RetryConfig {
	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = c.Provider.MaxAttempts
	if c.Provider.BackoffBase > 0 {
		retry.BackoffBase = c.Provider.BackoffBase
	}
	if c.Provider.MaxBackoff > 0 {
		retry.MaxBackoff = c.Provider.MaxBackoff
	}
	return retry
}

// Health returns the circuit breaker settings
func (c *Config) Health() llm.HealthConfig {
	return llm.HealthConfig{
		FailureThreshold: c.Provider.BreakerThreshold,
		RecoveryTimeout:  c.Provider.BreakerCooldown,
	}
}

// Limits returns the quota limits
func (c *Config) Limits() quota.Limits {
	return quota.Limits{PerUser: c.Quota.PerUserDaily, Global: c.Quota.GlobalDaily}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// ApplyFile overlays the keys present in a YAML file onto c. Keys the file
// omits keep their current value; keys it sets, zero included, replace it.
// On a parse error c is left unchanged.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	next := *c
	next.Generation.Stop = append([]string(nil), c.Generation.Stop...)
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	*c = next
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
