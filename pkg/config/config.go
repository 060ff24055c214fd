package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is the config file read by Load.
const DefaultPath = "config.yaml"

// Config holds all configuration for ekaya-analyst.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// Database configuration (PostgreSQL engine metadata store)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (session cache). Optional - an in-process cache is used if Host is empty.
	Redis RedisConfig `yaml:"redis"`

	// Datasource connection management configuration
	Datasource DatasourceConfig `yaml:"datasource"`

	// Query engine configuration
	Engine EngineConfig `yaml:"engine"`

	// File storage for uploaded data files
	Storage StorageConfig `yaml:"storage"`

	// Text generation provider
	LLM LLMConfig `yaml:"llm"`

	// Session state configuration
	Session SessionConfig `yaml:"session"`

	// Credential encryption key for data source descriptors.
	// Must be a 32-byte key, base64 encoded. Generate with: openssl rand -base64 32
	CredentialsKey string `yaml:"-" env:"CREDENTIALS_KEY"` // Secret - not in YAML
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_analyst"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// DatasourceConfig holds datasource connection management settings.
type DatasourceConfig struct {
	// ConnectionTTLMinutes is how long idle datasource connections are kept alive.
	ConnectionTTLMinutes int `yaml:"connection_ttl_minutes" env:"DATASOURCE_CONNECTION_TTL_MINUTES" env-default:"5"`
	// MaxConnectionsPerUser limits concurrent datasource connections per user.
	MaxConnectionsPerUser int `yaml:"max_connections_per_user" env:"DATASOURCE_MAX_CONNECTIONS_PER_USER" env-default:"10"`
	// PoolMaxConns is the maximum number of connections per datasource pool.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"DATASOURCE_POOL_MAX_CONNS" env-default:"10"`
	// PoolMinConns is the minimum number of connections per datasource pool.
	PoolMinConns int32 `yaml:"pool_min_conns" env:"DATASOURCE_POOL_MIN_CONNS" env-default:"1"`
}

// EngineConfig controls query routing and execution limits.
type EngineConfig struct {
	// RowCap is the hard cap on rows returned by any engine.
	RowCap int `yaml:"row_cap" env:"ENGINE_ROW_CAP" env-default:"10000"`
	// Timeout is the wall-clock limit for a single query.
	Timeout time.Duration `yaml:"timeout" env:"ENGINE_TIMEOUT" env-default:"30s"`
	// RetryBaseDelay is the initial backoff before retrying a failed connection.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"ENGINE_RETRY_BASE_DELAY" env-default:"250ms"`
	// FailOnOverflow returns ResultTooLarge instead of a truncated, flagged result.
	FailOnOverflow bool `yaml:"fail_on_overflow" env:"ENGINE_FAIL_ON_OVERFLOW" env-default:"false"`
	// SnapshotRowCap bounds rows copied per source table when a complex query runs locally.
	SnapshotRowCap int `yaml:"snapshot_row_cap" env:"ENGINE_SNAPSHOT_ROW_CAP" env-default:"100000"`
	// WorkspaceDir holds the local engine's database file.
	WorkspaceDir string `yaml:"workspace_dir" env:"ENGINE_WORKSPACE_DIR" env-default:"./data/workspace"`
	// IdleEvictAfter evicts materialized tables unused for this long. Zero disables the sweeper.
	IdleEvictAfter time.Duration `yaml:"idle_evict_after" env:"ENGINE_IDLE_EVICT_AFTER" env-default:"30m"`
	// HTTPTimeout bounds semantic-layer and API requests.
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"ENGINE_HTTP_TIMEOUT" env-default:"20s"`
}

// StorageConfig selects where uploaded files are read from.
type StorageConfig struct {
	// Backend is "local" or "minio".
	Backend   string `yaml:"backend" env:"STORAGE_BACKEND" env-default:"local"`
	LocalDir  string `yaml:"local_dir" env:"STORAGE_LOCAL_DIR" env-default:"./data/uploads"`
	Endpoint  string `yaml:"endpoint" env:"STORAGE_ENDPOINT" env-default:""`
	Bucket    string `yaml:"bucket" env:"STORAGE_BUCKET" env-default:"uploads"`
	AccessKey string `yaml:"access_key" env:"STORAGE_ACCESS_KEY" env-default:""`
	SecretKey string `yaml:"-" env:"STORAGE_SECRET_KEY"` // Secret - not in YAML
	UseSSL    bool   `yaml:"use_ssl" env:"STORAGE_USE_SSL" env-default:"false"`
}

// LLMConfig configures the text-generation collaborator.
type LLMConfig struct {
	// Provider is "openai", "anthropic" or "static".
	Provider string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	// Endpoint overrides the provider's public API base URL.
	Endpoint string  `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:""`
	Model    string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o"`
	APIKey   string  `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Temp     float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.1"`
	// MaxTokens applies to providers that require it (anthropic).
	MaxTokens int `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"2000"`
}

// SessionConfig controls turn persistence and the session cache.
type SessionConfig struct {
	// FingerprintChars is how much narrative text participates in duplicate detection.
	FingerprintChars int `yaml:"fingerprint_chars" env:"SESSION_FINGERPRINT_CHARS" env-default:"200"`
	// CacheTTL bounds how long cached per-conversation state lives.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"SESSION_CACHE_TTL" env-default:"1h"`
	// TombstoneTTL bounds how long a deleted conversation's tombstone is kept in cache.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl" env:"SESSION_TOMBSTONE_TTL" env-default:"24h"`
	// HistoryTurns is how many previous messages are passed to generation.
	HistoryTurns int `yaml:"history_turns" env:"SESSION_HISTORY_TURNS" env-default:"10"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom(DefaultPath, version)
}

// LoadFrom reads configuration from path with environment variable overrides.
// A missing file is not an error: defaults and environment variables apply.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// validate checks values that have no sensible fallback.
func (c *Config) validate() error {
	if c.Engine.RowCap <= 0 {
		return fmt.Errorf("engine.row_cap must be positive")
	}
	if c.Engine.SnapshotRowCap <= 0 {
		return fmt.Errorf("engine.snapshot_row_cap must be positive")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be positive")
	}
	switch c.Storage.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("storage.backend must be local or minio, got %q", c.Storage.Backend)
	}
	switch c.LLM.Provider {
	case "openai", "anthropic", "static":
	default:
		return fmt.Errorf("llm.provider must be openai, anthropic or static, got %q", c.LLM.Provider)
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection URL used by golang-migrate.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// Addr returns the Redis address, or "" when Redis is not configured.
func (c *RedisConfig) Addr() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
