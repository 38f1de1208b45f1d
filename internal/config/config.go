package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables.
type Config struct {
	// Serving
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	HTTPAddr         string `mapstructure:"HTTP_ADDR"`

	// Storage
	BadgerDBPath string        `mapstructure:"BADGERDB_PATH"`
	BadgerGCTick time.Duration `mapstructure:"BADGER_GC_INTERVAL"`

	// Logging
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFormat     string `mapstructure:"LOG_FORMAT"`
	LogFile       string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB  int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays int    `mapstructure:"LOG_MAX_AGE_DAYS"`

	// Content extraction
	ExtractorMode       string        `mapstructure:"EXTRACTOR_MODE"`
	ExtractTimeout      time.Duration `mapstructure:"EXTRACT_TIMEOUT"`
	ExtractMaxRedirects int           `mapstructure:"EXTRACT_MAX_REDIRECTS"`
	ExtractUserAgent    string        `mapstructure:"EXTRACT_USER_AGENT"`

	// Script generation, in provider priority order
	OpenAIAPIKey     string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel      string        `mapstructure:"OPENAI_MODEL"`
	AnthropicAPIKey  string        `mapstructure:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `mapstructure:"ANTHROPIC_BASE_URL"`
	AnthropicModel   string        `mapstructure:"ANTHROPIC_MODEL"`
	GenerateTimeout  time.Duration `mapstructure:"GENERATE_TIMEOUT"`

	// Voice synthesis
	ElevenLabsAPIKey          string        `mapstructure:"ELEVENLABS_API_KEY"`
	ElevenLabsBaseURL         string        `mapstructure:"ELEVENLABS_BASE_URL"`
	ElevenLabsModelID         string        `mapstructure:"ELEVENLABS_MODEL_ID"`
	ElevenLabsStability       float64       `mapstructure:"ELEVENLABS_STABILITY"`
	ElevenLabsSimilarityBoost float64       `mapstructure:"ELEVENLABS_SIMILARITY_BOOST"`
	SynthesizeTimeout         time.Duration `mapstructure:"SYNTHESIZE_TIMEOUT"`
	SynthesisMaxChars         int           `mapstructure:"SYNTHESIS_MAX_CHARS"`

	// Audio blobs
	BlobBackend    string `mapstructure:"BLOB_BACKEND"`
	AudioDir       string `mapstructure:"AUDIO_DIR"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	// Asset retention
	AssetSweepSchedule string        `mapstructure:"ASSET_SWEEP_SCHEDULE"`
	AssetRetention     time.Duration `mapstructure:"ASSET_RETENTION"`

	// Outbound rate limits, ulule "N-S|M|H" format
	RateExtract        string `mapstructure:"RATE_EXTRACT"`
	RateGenerate       string `mapstructure:"RATE_GENERATE"`
	RateSynthesize     string `mapstructure:"RATE_SYNTHESIZE"`
	RateLimitRedisAddr string `mapstructure:"RATE_LIMIT_REDIS_ADDR"`

	// Batch flows
	BatchConcurrency int `mapstructure:"BATCH_CONCURRENCY"`
}

// defaults registers every key so environment-only deployments unmarshal too.
var defaults = map[string]any{
	"TELEGRAM_BOT_TOKEN": "",
	"HTTP_ADDR":          ":8080",

	"BADGERDB_PATH":      "./badger_data",
	"BADGER_GC_INTERVAL": 5 * time.Minute,

	"LOG_LEVEL":        "info",
	"LOG_FORMAT":       "json",
	"LOG_FILE":         "",
	"LOG_MAX_SIZE_MB":  100,
	"LOG_MAX_BACKUPS":  5,
	"LOG_MAX_AGE_DAYS": 28,

	"EXTRACTOR_MODE":        "http",
	"EXTRACT_TIMEOUT":       10 * time.Second,
	"EXTRACT_MAX_REDIRECTS": 5,
	"EXTRACT_USER_AGENT":    "",

	"OPENAI_API_KEY":     "",
	"OPENAI_BASE_URL":    "",
	"OPENAI_MODEL":       "gpt-4o-mini",
	"ANTHROPIC_API_KEY":  "",
	"ANTHROPIC_BASE_URL": "",
	"ANTHROPIC_MODEL":    "claude-3-5-sonnet-20240620",
	"GENERATE_TIMEOUT":   30 * time.Second,

	"ELEVENLABS_API_KEY":          "",
	"ELEVENLABS_BASE_URL":         "https://api.elevenlabs.io/v1",
	"ELEVENLABS_MODEL_ID":         "eleven_monolingual_v1",
	"ELEVENLABS_STABILITY":        0.5,
	"ELEVENLABS_SIMILARITY_BOOST": 0.75,
	"SYNTHESIZE_TIMEOUT":          60 * time.Second,
	"SYNTHESIS_MAX_CHARS":         2500,

	"BLOB_BACKEND":     "fs",
	"AUDIO_DIR":        "./audio_data",
	"MINIO_ENDPOINT":   "",
	"MINIO_ACCESS_KEY": "",
	"MINIO_SECRET_KEY": "",
	"MINIO_BUCKET":     "pitch-audio",
	"MINIO_USE_SSL":    false,

	"ASSET_SWEEP_SCHEDULE": "@hourly",
	"ASSET_RETENTION":      24 * time.Hour,

	"RATE_EXTRACT":          "30-M",
	"RATE_GENERATE":         "20-M",
	"RATE_SYNTHESIZE":       "10-M",
	"RATE_LIMIT_REDIS_ADDR": "",

	"BATCH_CONCURRENCY": 4,
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Allow reading from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err = v.ReadInConfig(); err != nil {
		// A missing file is fine when everything comes from the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err = config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks values that have no safe fallback.
func (c Config) Validate() error {
	switch c.ExtractorMode {
	case "http", "browser":
	default:
		return fmt.Errorf("EXTRACTOR_MODE must be http or browser, got %q", c.ExtractorMode)
	}
	switch c.BlobBackend {
	case "fs":
		if c.AudioDir == "" {
			return errors.New("AUDIO_DIR is not set")
		}
	case "minio":
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			return errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required for the minio blob backend")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be fs or minio, got %q", c.BlobBackend)
	}
	if c.BadgerDBPath == "" {
		return errors.New("BADGERDB_PATH is not set")
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1, got %d", c.BatchConcurrency)
	}
	if c.ExtractMaxRedirects < 0 {
		return fmt.Errorf("EXTRACT_MAX_REDIRECTS must not be negative, got %d", c.ExtractMaxRedirects)
	}
	return nil
}

// Provider names used for credential lookups.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderElevenLabs = "elevenlabs"
)

// Credentials answers which providers have a credential configured.
type Credentials map[string]string

// Credentials returns the provider credentials present in the config.
func (c Config) Credentials() Credentials {
	creds := Credentials{}
	for name, key := range map[string]string{
		ProviderOpenAI:     c.OpenAIAPIKey,
		ProviderAnthropic:  c.AnthropicAPIKey,
		ProviderElevenLabs: c.ElevenLabsAPIKey,
	} {
		if key != "" {
			creds[name] = key
		}
	}
	return creds
}

// Has reports whether provider has a credential.
func (c Credentials) Has(provider string) bool {
	_, ok := c[provider]
	return ok
}
