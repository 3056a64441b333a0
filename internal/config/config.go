package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvDevelopment = "development"

type Config struct {
	Environment string `yaml:"environment"`
	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`

	S3Endpoint    string `yaml:"s3_endpoint"`
	S3AccessKey   string `yaml:"s3_access_key"`
	S3SecretKey   string `yaml:"s3_secret_key"`
	S3UseSSL      bool   `yaml:"s3_use_ssl"`
	ArchiveBucket string `yaml:"archive_bucket"`

	LLMBackend   string `yaml:"llm_backend"`
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"`
	GeminiAPIKey string `yaml:"gemini_api_key"`
	GeminiModel  string `yaml:"gemini_model"`

	PromptVersion string `yaml:"prompt_version"`
	PolicyVersion string `yaml:"policy_version"`

	RetryAttempts        int     `yaml:"retry_attempts"`
	RetryBaseDelay       float64 `yaml:"retry_base_delay"`
	SCMRequestsPerSecond float64 `yaml:"scm_rps"`

	ExpiryInterval      time.Duration `yaml:"expiry_interval"`
	ExpiryThresholdDays int           `yaml:"expiry_threshold_days"`
	ExpiryRetryDelay    time.Duration `yaml:"expiry_retry_delay"`

	LogDebug bool `yaml:"log_debug"`
	LogJSON  bool `yaml:"log_json"`
}

func Defaults() Config {
	return Config{
		Environment:          "production",
		HTTPAddr:             ":8080",
		LLMBackend:           "openai",
		OpenAIModel:          "gpt-4o-mini",
		GeminiModel:          "gemini-1.5-pro",
		PromptVersion:        "v1",
		PolicyVersion:        "v1",
		RetryAttempts:        3,
		RetryBaseDelay:       2,
		SCMRequestsPerSecond: 5,
		ExpiryInterval:       24 * time.Hour,
		ExpiryThresholdDays:  14,
		ExpiryRetryDelay:     5 * time.Minute,
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load starts from Defaults, applies the YAML file named by ADVISOR_CONFIG
// if there is one, then lets environment variables win.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("ADVISOR_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Environment = getString("ADVISOR_ENV", cfg.Environment)
	cfg.DatabaseURL = getString("DATABASE_URL", cfg.DatabaseURL)
	cfg.HTTPAddr = getString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.S3Endpoint = getString("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getString("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getString("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UseSSL = getBool("S3_USE_SSL", cfg.S3UseSSL)
	cfg.ArchiveBucket = getString("ARCHIVE_BUCKET", cfg.ArchiveBucket)
	cfg.LLMBackend = getString("LLM_BACKEND", cfg.LLMBackend)
	cfg.OpenAIAPIKey = getString("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIModel = getString("OPENAI_MODEL", cfg.OpenAIModel)
	cfg.GeminiAPIKey = getString("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiModel = getString("GEMINI_MODEL", cfg.GeminiModel)
	cfg.PromptVersion = getString("PROMPT_VERSION", cfg.PromptVersion)
	cfg.PolicyVersion = getString("POLICY_VERSION", cfg.PolicyVersion)
	cfg.RetryAttempts = getInt("RETRY_ATTEMPTS", cfg.RetryAttempts)
	cfg.RetryBaseDelay = getFloat("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.SCMRequestsPerSecond = getFloat("SCM_RPS", cfg.SCMRequestsPerSecond)
	cfg.ExpiryInterval = getDuration("EXPIRY_INTERVAL", cfg.ExpiryInterval)
	cfg.ExpiryThresholdDays = getInt("EXPIRY_THRESHOLD_DAYS", cfg.ExpiryThresholdDays)
	cfg.ExpiryRetryDelay = getDuration("EXPIRY_RETRY_DELAY", cfg.ExpiryRetryDelay)
	cfg.LogDebug = getBool("LOG_DEBUG", cfg.LogDebug)
	cfg.LogJSON = getBool("LOG_JSON", cfg.LogJSON)
}

func (c Config) IsDevelopment() bool { return c.Environment == EnvDevelopment }

// ArchiveEnabled is true when both an endpoint and a bucket are configured.
func (c Config) ArchiveEnabled() bool { return c.S3Endpoint != "" && c.ArchiveBucket != "" }

func (c Config) Validate() error {
	if c.DatabaseURL == "" && !c.IsDevelopment() {
		return errors.New("DATABASE_URL is required outside development")
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive, got %v", c.RetryBaseDelay)
	}
	if c.ExpiryThresholdDays < 0 {
		return fmt.Errorf("EXPIRY_THRESHOLD_DAYS must not be negative, got %d", c.ExpiryThresholdDays)
	}
	if c.ArchiveBucket != "" && c.S3Endpoint == "" {
		return errors.New("ARCHIVE_BUCKET requires S3_ENDPOINT")
	}
	return nil
}
