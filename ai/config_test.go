package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
	assert.Equal(t, "embeddinggemma", cfg.EmbeddingModel)
	assert.Equal(t, "none", cfg.APIKey)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Zero(t, cfg.RequestsPerSecond)
	assert.NoError(t, cfg.Validate())
}

func TestNewConfig(t *testing.T) {
	t.Run("with no options", func(t *testing.T) {
		cfg := NewConfig()
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("with options", func(t *testing.T) {
		cfg := NewConfig(
			WithEmbeddingHost("http://embed:8080/v1"),
			WithEmbeddingModel("text-embedding-3-small"),
			WithAPIKey("sk-test"),
			WithBatchSize(16),
			WithRequestsPerSecond(2.5),
		)

		assert.Equal(t, "http://embed:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
		assert.Equal(t, "sk-test", cfg.APIKey)
		assert.Equal(t, 16, cfg.BatchSize)
		assert.Equal(t, 2.5, cfg.RequestsPerSecond)
	})
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		host string
		want string
	}{
		{name: "adds v1", host: "http://localhost:11434", want: "http://localhost:11434/v1"},
		{name: "trailing slash", host: "http://localhost:11434/", want: "http://localhost:11434/v1"},
		{name: "already normalized", host: "http://localhost:11434/v1", want: "http://localhost:11434/v1"},
		{name: "empty stays empty", host: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{EmbeddingHost: tt.host}
			cfg.Normalize()
			assert.Equal(t, tt.want, cfg.EmbeddingHost)
			assert.Equal(t, "none", cfg.APIKey)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid", modify: func(*Config) {}},
		{name: "missing host", modify: func(c *Config) { c.EmbeddingHost = "" }, wantErr: "EmbeddingHost is required"},
		{name: "missing model", modify: func(c *Config) { c.EmbeddingModel = "" }, wantErr: "EmbeddingModel is required"},
		{name: "zero batch size", modify: func(c *Config) { c.BatchSize = 0 }, wantErr: "BatchSize must be greater than 0"},
		{name: "negative rate", modify: func(c *Config) { c.RequestsPerSecond = -1 }, wantErr: "RequestsPerSecond cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
