// Package config provides configuration management for Reverie.
// It loads settings from environment variables with the REVERIE_ prefix
// and provides sensible defaults for all configuration options.
//
// User settings (e.g., default_project) are persisted to the settings table
// in the database. LoadConfigFromDB reads from the database first and falls
// back to environment variables. SaveConfig writes user settings to the
// database.
package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration settings for the Reverie application.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Embedding EmbeddingConfig
	Index     IndexConfig
	Organizer OrganizerConfig
	User      UserConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port         int     // Server port (default: 7171)
	Host         string  // Server host (default: 127.0.0.1)
	APIToken     string  // Bearer token for API auth; empty disables auth
	RateLimit    float64 // Requests per second per client (default: 10)
	RateBurst    int     // Rate limiter burst size (default: 20)
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	Engine      string // Storage engine: sqlite, postgres (default: sqlite)
	DataPath    string // Path to data directory (default: ./data)
	PostgresDSN string // Connection string when Engine is postgres
}

// DatabasePath is the sqlite database file under the data directory.
func (s StorageConfig) DatabasePath() string {
	return filepath.Join(s.DataPath, "reverie.db")
}

// JournalPath is the checkpoint journal file under the data directory.
func (s StorageConfig) JournalPath() string {
	return filepath.Join(s.DataPath, "checkpoints.log")
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider     string        // Embedding provider: ollama, openai, local, none (default: ollama)
	OllamaURL    string        // Ollama API URL (default: http://localhost:11434)
	Model        string        // Embedding model name; empty uses the provider default
	OpenAIAPIKey string        // OpenAI API key
	Timeout      time.Duration // Per-request embedding timeout (default: 10s)
	CacheSize    int           // Embedding LRU cache size (default: 1024)
}

// IndexConfig tunes the secondary index worker pool.
type IndexConfig struct {
	NumWorkers      int           // Index worker goroutines (default: 4)
	QueueSize       int           // Index job queue buffer (default: 1000)
	EmbedRatePerSec float64       // Embedding calls per second across workers (default: 10)
	EmbedBurst      int           // Embedding rate limiter burst (default: 5)
	RepairInterval  time.Duration // Periodic repair pass; 0 disables (default: 10m)
}

// OrganizerConfig contains file organizer defaults.
type OrganizerConfig struct {
	RulesPath    string        // YAML rules file; empty uses built-in rules
	SnapshotDir  string        // Pre-apply snapshot directory; empty means <data>/snapshots
	SnapshotKeep int           // Snapshots retained in SnapshotDir (default: 10)
	MaxMoves     int           // Cap on moves per plan (default: 500)
	MinAge       time.Duration // Only organize files older than this (default: 0)
}

// UserConfig contains user-specific settings that persist across restarts.
// These settings are stored in the settings table in the database.
type UserConfig struct {
	// DefaultProject tags saved records that carry no explicit project.
	// Env var: REVERIE_DEFAULT_PROJECT
	// Database key: default_project
	DefaultProject string
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the REVERIE_ prefix. User settings
// (UserConfig) are loaded from environment variables only. Use
// LoadConfigFromDB to also read persisted user settings from the database.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	return cfg, nil
}

// LoadConfigFromDB loads configuration from both environment variables and
// the database. The database value takes precedence over the environment
// variable for user settings. Falls back to the environment variable when no
// DB entry exists.
//
// Returns an error if db is nil.
func LoadConfigFromDB(db *sql.DB) (*Config, error) {
	if db == nil {
		return nil, errors.New("config: database connection is required")
	}

	cfg := buildBaseConfig()

	defaultProject, err := getSetting(db, "default_project")
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("config: failed to load default_project from database: %w", err)
	}

	if defaultProject != "" {
		cfg.User.DefaultProject = defaultProject
	}
	// If no DB value, cfg.User.DefaultProject already has the env var value.

	return cfg, nil
}

// SaveConfig persists user configuration settings to the settings table in
// the database. Uses upsert semantics: inserts if not present, updates if
// already stored.
//
// Returns an error if db is nil.
func (c *Config) SaveConfig(db *sql.DB) error {
	if db == nil {
		return errors.New("config: database connection is required")
	}

	if err := setSetting(db, "default_project", c.User.DefaultProject); err != nil {
		return fmt.Errorf("config: failed to save default_project: %w", err)
	}

	return nil
}

// getSetting retrieves a single setting value by key from the settings table.
// Returns an empty string and sql.ErrNoRows if the key does not exist.
func getSetting(db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value, nil
}

// setSetting writes a key-value pair to the settings table using upsert
// semantics.
func setSetting(db *sql.DB, key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults. This is the shared base for both LoadConfig and
// LoadConfigFromDB.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnvInt("REVERIE_PORT", 7171),
			Host:         getEnv("REVERIE_HOST", "127.0.0.1"),
			APIToken:     getEnv("REVERIE_API_TOKEN", ""),
			RateLimit:    getEnvFloat("REVERIE_RATE_LIMIT", 10),
			RateBurst:    getEnvInt("REVERIE_RATE_BURST", 20),
			ReadTimeout:  getEnvDuration("REVERIE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("REVERIE_WRITE_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Engine:      getEnv("REVERIE_STORAGE_ENGINE", "sqlite"),
			DataPath:    getEnv("REVERIE_DATA_PATH", "./data"),
			PostgresDSN: getEnv("REVERIE_POSTGRES_DSN", ""),
		},
		Embedding: EmbeddingConfig{
			Provider:     getEnv("REVERIE_EMBEDDING_PROVIDER", "ollama"),
			OllamaURL:    getEnv("REVERIE_OLLAMA_URL", "http://localhost:11434"),
			Model:        getEnv("REVERIE_EMBEDDING_MODEL", ""),
			OpenAIAPIKey: getEnv("REVERIE_OPENAI_API_KEY", ""),
			Timeout:      getEnvDuration("REVERIE_EMBED_TIMEOUT", 10*time.Second),
			CacheSize:    getEnvInt("REVERIE_EMBED_CACHE_SIZE", 1024),
		},
		Index: IndexConfig{
			NumWorkers:      getEnvInt("REVERIE_INDEX_WORKERS", 4),
			QueueSize:       getEnvInt("REVERIE_INDEX_QUEUE_SIZE", 1000),
			EmbedRatePerSec: getEnvFloat("REVERIE_EMBED_RATE", 10),
			EmbedBurst:      getEnvInt("REVERIE_EMBED_BURST", 5),
			RepairInterval:  getEnvDuration("REVERIE_REPAIR_INTERVAL", 10*time.Minute),
		},
		Organizer: OrganizerConfig{
			RulesPath:    getEnv("REVERIE_RULES_PATH", ""),
			SnapshotDir:  getEnv("REVERIE_SNAPSHOT_DIR", ""),
			SnapshotKeep: getEnvInt("REVERIE_SNAPSHOT_KEEP", 10),
			MaxMoves:     getEnvInt("REVERIE_MAX_MOVES", 500),
			MinAge:       getEnvDuration("REVERIE_MIN_AGE", 0),
		},
		User: UserConfig{
			DefaultProject: getEnv("REVERIE_DEFAULT_PROJECT", ""),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value on absence or parse failure.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s", "1h") or returns a default value on absence or parse
// failure.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
