package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "./badger_data", cfg.BadgerDBPath)
	assert.Equal(t, "http", cfg.ExtractorMode)
	assert.Equal(t, 10*time.Second, cfg.ExtractTimeout)
	assert.Equal(t, 5, cfg.ExtractMaxRedirects)
	assert.Equal(t, "fs", cfg.BlobBackend)
	assert.Equal(t, 4, cfg.BatchConcurrency)
	assert.Equal(t, 2500, cfg.SynthesisMaxChars)
	assert.Equal(t, 24*time.Hour, cfg.AssetRetention)
	assert.Empty(t, cfg.Credentials())
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("BADGERDB_PATH: /data/badger\nBATCH_CONCURRENCY: 8\nOPENAI_API_KEY: from-file\nEXTRACT_TIMEOUT: 3s\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("ELEVENLABS_API_KEY", "xi")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "/data/badger", cfg.BadgerDBPath)
	assert.Equal(t, 8, cfg.BatchConcurrency)
	assert.Equal(t, 3*time.Second, cfg.ExtractTimeout)
	assert.Equal(t, "from-env", cfg.OpenAIAPIKey, "environment wins over the file")

	creds := cfg.Credentials()
	assert.True(t, creds.Has(ProviderOpenAI))
	assert.True(t, creds.Has(ProviderElevenLabs))
	assert.False(t, creds.Has(ProviderAnthropic))
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{ExtractorMode: "http", BlobBackend: "fs", AudioDir: "a", BadgerDBPath: "b", BatchConcurrency: 1}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"browser mode", func(c *Config) { c.ExtractorMode = "browser" }, false},
		{"unknown mode", func(c *Config) { c.ExtractorMode = "carrier-pigeon" }, true},
		{"minio without endpoint", func(c *Config) { c.BlobBackend = "minio" }, true},
		{"minio complete", func(c *Config) { c.BlobBackend = "minio"; c.MinioEndpoint = "s3:9000"; c.MinioBucket = "b" }, false},
		{"zero concurrency", func(c *Config) { c.BatchConcurrency = 0 }, true},
		{"negative redirects", func(c *Config) { c.ExtractMaxRedirects = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}
