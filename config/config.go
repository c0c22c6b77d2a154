// Package config loads mailvec application settings from YAML and the environment.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/mailvec/ai"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverBadger   = "badger"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application settings.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Search    SearchConfig    `yaml:"search"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig selects and locates the document store.
type StoreConfig struct {
	Driver          string `yaml:"driver"` // badger, sqlite, postgres
	Path            string `yaml:"path"`   // directory (badger) or file (sqlite)
	DSN             string `yaml:"dsn"`    // postgres connection string
	ConnectAttempts int    `yaml:"connect_attempts"`
	ConnectDelay    string `yaml:"connect_delay"`
}

// EmbeddingConfig points at the OpenAI-compatible embedding service.
type EmbeddingConfig struct {
	Host              string  `yaml:"host"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Dimension         int     `yaml:"dimension"` // 0 detects it from the service
}

// IngestionConfig tunes the ingestion pipeline.
type IngestionConfig struct {
	BatchSize  int    `yaml:"batch_size"`
	Workers    int    `yaml:"workers"`
	MaxRetries int    `yaml:"max_retries"`
	RetryDelay string `yaml:"retry_delay"`
}

// SearchConfig tunes queries.
type SearchConfig struct {
	DefaultK int `yaml:"default_k"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	WatchDebounce string `yaml:"watch_debounce"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			// Defaults only
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverBadger
	}
	if c.Store.Path == "" {
		c.Store.Path = "./mailvec.db"
	}
	if c.Store.ConnectAttempts == 0 {
		c.Store.ConnectAttempts = 5
	}
	if c.Store.ConnectDelay == "" {
		c.Store.ConnectDelay = "500ms"
	}
	if c.Embedding.Host == "" {
		c.Embedding.Host = "http://localhost:11434/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "embeddinggemma"
	}
	if c.Ingestion.BatchSize == 0 {
		c.Ingestion.BatchSize = 64
	}
	if c.Ingestion.MaxRetries == 0 {
		c.Ingestion.MaxRetries = 3
	}
	if c.Ingestion.RetryDelay == "" {
		c.Ingestion.RetryDelay = "200ms"
	}
	if c.Search.DefaultK == 0 {
		c.Search.DefaultK = 8
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.WatchDebounce == "" {
		c.Server.WatchDebounce = "500ms"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if driver := os.Getenv("MAILVEC_STORE_DRIVER"); driver != "" {
		c.Store.Driver = driver
	}
	if path := os.Getenv("MAILVEC_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if dsn := os.Getenv("MAILVEC_DSN"); dsn != "" {
		c.Store.DSN = dsn
	}
	if host := os.Getenv("MAILVEC_EMBEDDING_HOST"); host != "" {
		c.Embedding.Host = host
	}
	if model := os.Getenv("MAILVEC_EMBEDDING_MODEL"); model != "" {
		c.Embedding.Model = model
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}

	if c.Store.Driver == DriverPostgres && c.Store.DSN == "" {
		c.Store.DSN = dsnFromPGEnv()
	}
}

// dsnFromPGEnv builds a Postgres URL from the libpq environment variables,
// or returns "" when PGHOST is unset.
func dsnFromPGEnv() string {
	host := os.Getenv("PGHOST")
	if host == "" {
		return ""
	}
	if port := os.Getenv("PGPORT"); port != "" {
		host = net.JoinHostPort(host, port)
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + os.Getenv("PGDATABASE"),
	}
	if user := os.Getenv("PGUSER"); user != "" {
		if password, ok := os.LookupEnv("PGPASSWORD"); ok {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBadger, DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the %s driver", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn (or MAILVEC_DSN / PGHOST) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q: must be one of badger, sqlite, postgres", c.Store.Driver)
	}
	if c.Store.ConnectAttempts < 1 {
		return fmt.Errorf("config: store.connect_attempts must be greater than 0")
	}
	if c.Ingestion.BatchSize < 1 {
		return fmt.Errorf("config: ingestion.batch_size must be greater than 0")
	}
	if c.Ingestion.MaxRetries < 1 {
		return fmt.Errorf("config: ingestion.max_retries must be greater than 0")
	}
	if c.Search.DefaultK < 1 {
		return fmt.Errorf("config: search.default_k must be greater than 0")
	}
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("config: embedding.dimension cannot be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q: must be one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}

// GetConnectDelay returns the base connect retry delay as a duration.
func (c *Config) GetConnectDelay() time.Duration {
	return parseDuration(c.Store.ConnectDelay, 500*time.Millisecond)
}

// GetRetryDelay returns the base embedding retry delay as a duration.
func (c *Config) GetRetryDelay() time.Duration {
	return parseDuration(c.Ingestion.RetryDelay, 200*time.Millisecond)
}

// GetWatchDebounce returns the file watch debounce as a duration.
func (c *Config) GetWatchDebounce() time.Duration {
	return parseDuration(c.Server.WatchDebounce, 500*time.Millisecond)
}

// AIConfig returns the embedding client configuration.
func (c *Config) AIConfig() *ai.Config {
	opts := []ai.ConfigOption{
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithBatchSize(c.Ingestion.BatchSize),
		ai.WithRequestsPerSecond(c.Embedding.RequestsPerSecond),
	}
	if c.Embedding.APIKey != "" {
		opts = append(opts, ai.WithAPIKey(c.Embedding.APIKey))
	}
	cfg := ai.NewConfig(opts...)
	cfg.Normalize()
	return cfg
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
