// Package config provides configuration management for the castgate server.
// It covers the HTTP surface, LLM providers, caching, request storage, the
// background job runtime and logging.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	LLM            LLMConfig            `yaml:"llm"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Cache          CacheConfig          `yaml:"cache"`
	Store          StoreConfig          `yaml:"store"`
	Jobs           JobsConfig           `yaml:"jobs"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds server-specific configuration for the HTTP server.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 8080)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Synchronous cast requests wait on the LLM, so this must
	// exceed RequestTimeout (default: 5m)
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the server will
	// read parsing the request header's keys and values (default: 2MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes caps the size of a request body (default: 10MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// RequestTimeout bounds a single HTTP request, including inline
	// execution on the /now endpoints (default: 4m)
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout specifies how long to wait for the server and the
	// job runtime to drain before forcing termination (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CORSOrigins lists the origins allowed to call the API from a
	// browser. Empty allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

// AuthConfig holds the static bearer keys accepted by the API.
// Requests are not authenticated when the list is empty.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// Enabled reports whether any key is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0
}

// RateLimitConfig limits requests per client.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate; 0 disables limiting.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// Burst is the number of requests allowed above the sustained rate.
	Burst int `yaml:"burst"`
}

// LLMConfig holds provider definitions and the defaults applied to new
// cast requests.
type LLMConfig struct {
	// Providers maps a provider id (openrouter, groq, cerebras, or a
	// custom name) to its connection settings.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// ProviderPreference lists providers tried after the registry's own
	// order for a model, for providers the registry does not know.
	ProviderPreference []string `yaml:"provider_preference"`

	// DefaultModel is a canonical model name or alias (default: fast)
	DefaultModel string `yaml:"default_model"`

	// MaxTokens caps completion tokens per call (default: 8192)
	MaxTokens int `yaml:"max_tokens"`

	// Temperature for providers that accept one (default: 0.7)
	Temperature float64 `yaml:"temperature"`

	// MaxRetries is stored on each request record (default: 2)
	MaxRetries int `yaml:"max_retries"`

	// MaxAttempts is how many times the call loop asks the model for a
	// schema-valid answer (default: 3)
	MaxAttempts int `yaml:"max_attempts"`

	// MaxPromptTokens rejects requests whose prompt and data exceed this
	// many tokens; 0 disables the check.
	MaxPromptTokens int `yaml:"max_prompt_tokens"`
}

// ProviderConfig holds configuration for an LLM provider.
type ProviderConfig struct {
	// Type selects the client: "openai" for OpenAI-compatible chat
	// completion APIs, "gollm" for anything gollm supports.
	Type string `yaml:"type"`
	// BaseURL overrides the endpoint of an openai provider.
	BaseURL string `yaml:"base_url"`
	// APIKey is the authentication key for the provider's API.
	// Use environment variables (e.g., ${OPENROUTER_API_KEY}).
	APIKey string `yaml:"api_key"`
	// Backend is the gollm provider name (e.g., "openai", "anthropic").
	Backend string `yaml:"backend"`
	// Models maps canonical model names or aliases to the names a gollm
	// backend knows them by.
	Models map[string]string `yaml:"models"`
}

type CircuitBreakerConfig struct {
	// MaxRequests is maximum number of requests allowed to pass through when in half-open state
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for the circuit breaker
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures needed to trip the circuit
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	// Type is "memory" (cleared on restart) or "redis".
	Type string `yaml:"type"`

	// TTL specifies how long cached results are kept; 0 keeps them
	// until evicted by the backend.
	TTL time.Duration `yaml:"ttl"`

	// Redis configuration (only used if Type is "redis")
	Redis RedisCacheConfig `yaml:"redis"`
}

// RedisCacheConfig holds Redis-specific cache configuration.
type RedisCacheConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string `yaml:"address"`

	// Password for Redis authentication (optional)
	Password string `yaml:"password"`

	// DB is the Redis database number to use
	DB int `yaml:"db"`
}

// StoreConfig selects where request records live.
type StoreConfig struct {
	// Type is "memory" or "postgres".
	Type string `yaml:"type"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// Migrate creates the table on startup when true.
	Migrate bool `yaml:"migrate"`
}

// JobsConfig configures the in-process job runtime.
type JobsConfig struct {
	Workers     int           `yaml:"workers"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration that runs entirely in memory with
// OpenRouter as the only provider.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			MaxHeaderBytes:  2 << 20,
			MaxBodyBytes:    10 << 20,
			RequestTimeout:  4 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		LLM: LLMConfig{
			Providers: map[string]ProviderConfig{
				"openrouter": {Type: "openai"},
			},
			DefaultModel: "fast",
			MaxTokens:    8192,
			Temperature:  0.7,
			MaxRetries:   2,
			MaxAttempts:  3,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxRequests:      1,
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 5,
		},
		Cache: CacheConfig{
			Type: "memory",
			TTL:  0,
		},
		Store: StoreConfig{
			Type: "memory",
		},
		Jobs: JobsConfig{
			Workers:     4,
			BackoffBase: time.Second,
			MaxBackoff:  time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFile loads configuration from a YAML file
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. A default
// is used when the variable is unset or empty. Expansion repeats until the
// result stops changing so values may reference other variables.
func expandEnvVars(s string) (string, error) {
	if open := strings.Count(s, "${"); open > strings.Count(s, "}") {
		return "", fmt.Errorf("invalid syntax: unterminated variable reference")
	}

	resolve := func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	}

	result := os.Expand(s, resolve)
	for prev := ""; prev != result; {
		prev = result
		result = os.Expand(result, resolve)
	}
	return result, nil
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expand environment variables: %w", err)
	}

	// Start with defaults
	config := DefaultConfig()

	// Decode YAML on top of defaults. An empty document keeps them.
	dec := yaml.NewDecoder(strings.NewReader(expandedData))
	if err := dec.Decode(config); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	config.applyKeyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// applyKeyEnv fills empty provider keys from <PROVIDER>_API_KEY, so
// OPENROUTER_API_KEY is picked up without listing it in the file.
func (c *Config) applyKeyEnv() {
	for name, p := range c.LLM.Providers {
		if p.APIKey != "" {
			continue
		}
		env := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
		p.APIKey = os.Getenv(env)
		c.LLM.Providers[name] = p
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("negative max body bytes: %d", c.Server.MaxBodyBytes)
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("negative request timeout: %v", c.Server.RequestTimeout)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("negative rate limit: %d/min burst %d", c.RateLimit.RequestsPerMinute, c.RateLimit.Burst)
	}
	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("empty api key at index %d", i)
		}
	}

	// LLM validation
	if len(c.LLM.Providers) == 0 {
		return fmt.Errorf("no LLM providers configured")
	}
	for name, p := range c.LLM.Providers {
		switch p.Type {
		case "openai":
		case "gollm":
			if p.Backend == "" {
				return fmt.Errorf("provider %s: gollm provider needs a backend", name)
			}
		default:
			return fmt.Errorf("provider %s: invalid type %q", name, p.Type)
		}
	}
	for _, name := range c.LLM.ProviderPreference {
		if _, ok := c.LLM.Providers[name]; !ok {
			return fmt.Errorf("provider preference names unknown provider %s", name)
		}
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive: %d", c.LLM.MaxTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("temperature out of range: %v", c.LLM.Temperature)
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxAttempts < 0 {
		return fmt.Errorf("negative retry settings: retries %d attempts %d", c.LLM.MaxRetries, c.LLM.MaxAttempts)
	}
	if c.LLM.MaxPromptTokens < 0 {
		return fmt.Errorf("negative max prompt tokens: %d", c.LLM.MaxPromptTokens)
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("redis cache enabled but address not specified")
		}
	default:
		return fmt.Errorf("invalid cache type: %s", c.Cache.Type)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("negative cache ttl: %v", c.Cache.TTL)
	}

	switch c.Store.Type {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("postgres store enabled but dsn not specified")
		}
	default:
		return fmt.Errorf("invalid store type: %s", c.Store.Type)
	}

	if c.Jobs.Workers < 0 {
		return fmt.Errorf("negative job workers: %d", c.Jobs.Workers)
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
