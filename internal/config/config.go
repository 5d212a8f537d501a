// Package config loads process configuration from YAML with environment
// overrides for secrets and connection strings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-imgjudge/internal/batch"
	"github.com/ahrav/go-imgjudge/internal/llm/circuitbreaker"
	"github.com/ahrav/go-imgjudge/internal/llm/providers"
	"github.com/ahrav/go-imgjudge/internal/llm/ratelimit"
	"github.com/ahrav/go-imgjudge/internal/llm/retry"
	"github.com/ahrav/go-imgjudge/internal/server"
	"github.com/ahrav/go-imgjudge/internal/worker"
)

// Environment variables that override file values.
const (
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvGeminiKey     = "GEMINI_API_KEY"
	EnvGoogleKey     = "GOOGLE_API_KEY"
	EnvDatabaseURI   = "IMGJUDGE_DB_URI"
	EnvRedisAddr     = "IMGJUDGE_REDIS_ADDR"
	EnvRedisPassword = "IMGJUDGE_REDIS_PASSWORD"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Event sinks.
const (
	SinkNone  = "none"
	SinkRedis = "redis"
)

// Config is the complete process configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Batch     batch.Config    `yaml:"batch"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Events    EventsConfig    `yaml:"events"`
	Server    server.Config   `yaml:"server"`
	Temporal  worker.Config   `yaml:"temporal"`
}

// StoreConfig selects the result store. URI is a file path for sqlite and
// a connection URL for postgres.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=sqlite postgres memory"`
	URI    string `yaml:"uri" validate:"required_unless=Driver memory"`
}

// RedisConfig locates the Redis used for caching, shared rate limits and
// the event stream. An empty Addr disables all three.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	DB       int    `yaml:"db" validate:"min=0"`
	Password string `yaml:"-"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// ProvidersConfig configures both providers and picks which one serves each
// capability.
type ProvidersConfig struct {
	OpenAI providers.OpenAIConfig `yaml:"openai"`
	Google providers.GoogleConfig `yaml:"google"`

	Generator  string `yaml:"generator" validate:"oneof=openai google"`
	Similarity string `yaml:"similarity" validate:"oneof=openai google"`
	Rater      string `yaml:"rater" validate:"oneof=openai google"`
	Captioner  string `yaml:"captioner" validate:"oneof=openai google"`
}

// Uses reports whether any capability is served by provider.
func (p ProvidersConfig) Uses(provider string) bool {
	for _, name := range []string{p.Generator, p.Similarity, p.Rater, p.Captioner} {
		if name == provider {
			return true
		}
	}
	return false
}

// PipelineConfig tunes the provider call pipeline.
type PipelineConfig struct {
	RateLimit      ratelimit.Config      `yaml:"rate_limit"`
	Retry          retry.Config          `yaml:"retry"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
	CacheTTL       time.Duration         `yaml:"cache_ttl" validate:"min=0"`
}

// EventsConfig selects where batch lifecycle events go.
type EventsConfig struct {
	Sink   string `yaml:"sink" validate:"oneof=none redis"`
	Stream string `yaml:"stream"`
}

// Default returns a configuration that runs locally against an embedded
// SQLite database and OpenAI.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverSQLite, URI: "imgjudge.db"},
		Batch: batch.DefaultConfig(),
		Providers: ProvidersConfig{
			OpenAI:     providers.DefaultOpenAIConfig(),
			Google:     providers.DefaultGoogleConfig(),
			Generator:  providers.ProviderOpenAI,
			Similarity: providers.ProviderOpenAI,
			Rater:      providers.ProviderOpenAI,
			Captioner:  providers.ProviderOpenAI,
		},
		Pipeline: PipelineConfig{
			RateLimit:      ratelimit.Config{RequestsPerSecond: 5, Burst: 10},
			Retry:          retry.DefaultConfig(),
			CircuitBreaker: circuitbreaker.DefaultConfig(),
			CacheTTL:       24 * time.Hour,
		},
		Events:   EventsConfig{Sink: SinkNone},
		Server:   server.DefaultConfig(),
		Temporal: worker.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path uses the defaults alone. Unknown keys
// are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Providers.OpenAI.APIKey, EnvOpenAIKey)
	set(&c.Providers.Google.APIKey, EnvGeminiKey, EnvGoogleKey)
	set(&c.Store.URI, EnvDatabaseURI)
	set(&c.Redis.Addr, EnvRedisAddr)
	set(&c.Redis.Password, EnvRedisPassword)

	if uri := c.Store.URI; strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		c.Store.Driver = DriverPostgres
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-section requirements.
func (c Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	if c.Events.Sink == SinkRedis && !c.Redis.Enabled() {
		problems = append(problems, "events.sink redis requires redis.addr")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireKeys reports a missing API key for any provider in use. It is
// separate from Validate so read-only commands work without credentials.
func (c Config) RequireKeys() error {
	var missing []string
	if c.Providers.Uses(providers.ProviderOpenAI) && c.Providers.OpenAI.APIKey == "" {
		missing = append(missing, EnvOpenAIKey)
	}
	if c.Providers.Uses(providers.ProviderGoogle) && c.Providers.Google.APIKey == "" {
		missing = append(missing, EnvGeminiKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: set %s", providers.ErrNoAPIKey, strings.Join(missing, ", "))
	}
	return nil
}
