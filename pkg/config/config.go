// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every setting the binary reads.
type Config struct {
	GRPCPort    string `env:"GRPC_PORT" envDefault:"50051"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`

	RedisAddr     string        `env:"REDIS_ADDR"` // empty disables the cache
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"1h"`

	OpenAIKeys    []string `env:"OPENAI_API_KEYS" envSeparator:","`
	GeminiKeys    []string `env:"GEMINI_API_KEYS" envSeparator:","`
	OpenAIBaseURL string   `env:"OPENAI_BASE_URL"`
	GeminiBaseURL string   `env:"GEMINI_BASE_URL"`

	PrimaryModel        string   `env:"PRIMARY_MODEL" envDefault:"gpt-5-nano"`
	FallbackModels      []string `env:"FALLBACK_MODELS" envSeparator:"," envDefault:"gpt-4o-mini"`
	FallbackTemperature float32  `env:"FALLBACK_TEMPERATURE" envDefault:"0"`
	EmbeddingModel      string   `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`

	// Models matching these prefixes get only max tokens; stop sequences,
	// temperature and extra sampling params are dropped.
	BareModelPrefixes []string `env:"BARE_MODEL_PREFIXES" envSeparator:"," envDefault:"gpt-5,o1,o3,o4"`

	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	// GenerateTimeout bounds one served request across all attempts. Zero
	// means repeat x REQUEST_TIMEOUT.
	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"0s"`
	RequestDelay    time.Duration `env:"REQUEST_DELAY" envDefault:"100ms"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY" envDefault:"0s"`
	RetryMaxDelay   time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5s"`
	DefaultRepeat   int           `env:"DEFAULT_REPEAT" envDefault:"3"`

	CBFailureThreshold int           `env:"CB_FAILURE_THRESHOLD" envDefault:"5"`
	CBCooldown         time.Duration `env:"CB_COOLDOWN" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`
}

// Load reads dotenvPath (".env" when empty; a missing file is fine) and then
// parses the environment. Variables already set win over the file.
func Load(dotenvPath string) (*Config, error) {
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", dotenvPath, err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the binary cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.PrimaryModel == "":
		return errors.New("config: PRIMARY_MODEL is required")
	case c.DefaultRepeat < 1:
		return fmt.Errorf("config: DEFAULT_REPEAT must be at least 1, got %d", c.DefaultRepeat)
	case c.CBFailureThreshold < 1:
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be at least 1, got %d", c.CBFailureThreshold)
	case c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 || c.RequestDelay < 0:
		return errors.New("config: delays must not be negative")
	case c.GenerateTimeout < 0:
		return errors.New("config: GENERATE_TIMEOUT must not be negative")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// CacheEnabled reports whether a Redis address is configured.
func (c *Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}
