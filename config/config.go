package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wesm/github-issue-mirror/internal/db"
	"github.com/wesm/github-issue-mirror/internal/models"
)

const (
	// EnvPrefix prefixes every environment override, e.g. ARGH_SYNC_COOLDOWN
	EnvPrefix = "ARGH"
	// EnvGithubToken is the environment variable name for the GitHub API token
	EnvGithubToken = "ARGH_GITHUB_TOKEN"
	// EnvWebhookSecret is the environment variable name for the webhook signing secret
	EnvWebhookSecret = "ARGH_WEBHOOK_SECRET"
)

// Config represents the application configuration
type Config struct {
	// GitHub API token for authentication (optional, can be set via ARGH_GITHUB_TOKEN env var)
	GitHubToken string `json:"github_token"`

	// SQLite file path, or a postgres:// DSN
	DatabasePath string `json:"database_path"`

	// List of repositories to sync in the format "owner/name"
	Repositories []string `json:"repositories"`

	// Secret GitHub signs webhook deliveries with. Without it every delivery is rejected.
	WebhookSecret string `json:"webhook_secret,omitempty"`

	ListenAddr string `json:"listen_addr"`

	Sync  SyncConfig  `json:"sync"`
	Cache CacheConfig `json:"cache"`
	Log   LogConfig   `json:"log"`
}

// SyncConfig controls the sync coordinator
type SyncConfig struct {
	PageSize   int
	Cooldown   time.Duration
	Interval   time.Duration // 0 disables periodic sync in serve
	UseGraphQL bool
	Workers    int
}

// CacheConfig selects the cache backend
type CacheConfig struct {
	Backend  string // memory or redis
	RedisURL string
	TTL      time.Duration
	Size     int
}

// LogConfig controls logging
type LogConfig struct {
	Level     string `json:"level"`
	File      string `json:"file,omitempty"`
	MaxSizeMB int    `json:"max_size_mb,omitempty"`
}

// MarshalJSON writes durations in their readable form
func (s SyncConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PageSize   int    `json:"page_size"`
		Cooldown   string `json:"cooldown"`
		Interval   string `json:"interval"`
		UseGraphQL bool   `json:"use_graphql"`
		Workers    int    `json:"workers"`
	}{s.PageSize, s.Cooldown.String(), s.Interval.String(), s.UseGraphQL, s.Workers})
}

// MarshalJSON writes durations in their readable form
func (c CacheConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Backend  string `json:"backend"`
		RedisURL string `json:"redis_url,omitempty"`
		TTL      string `json:"ttl"`
		Size     int    `json:"size"`
	}{c.Backend, c.RedisURL, c.TTL.String(), c.Size})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_path", "github_issues.db")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("sync.page_size", 50)
	v.SetDefault("sync.cooldown", "60s")
	v.SetDefault("sync.interval", "0s")
	v.SetDefault("sync.use_graphql", false)
	v.SetDefault("sync.workers", 5)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.size", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
}

// LoadConfig loads the configuration from a JSON file. Every key can be
// overridden from the environment as ARGH_<KEY>, with dots replaced by
// underscores.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{
		GitHubToken:   v.GetString("github_token"),
		DatabasePath:  v.GetString("database_path"),
		Repositories:  v.GetStringSlice("repositories"),
		WebhookSecret: v.GetString("webhook_secret"),
		ListenAddr:    v.GetString("listen_addr"),
		Sync: SyncConfig{
			PageSize:   v.GetInt("sync.page_size"),
			Cooldown:   v.GetDuration("sync.cooldown"),
			Interval:   v.GetDuration("sync.interval"),
			UseGraphQL: v.GetBool("sync.use_graphql"),
			Workers:    v.GetInt("sync.workers"),
		},
		Cache: CacheConfig{
			Backend:  strings.ToLower(v.GetString("cache.backend")),
			RedisURL: v.GetString("cache.redis_url"),
			TTL:      v.GetDuration("cache.ttl"),
			Size:     v.GetInt("cache.size"),
		},
		Log: LogConfig{
			Level:     v.GetString("log.level"),
			File:      v.GetString("log.file"),
			MaxSizeMB: v.GetInt("log.max_size_mb"),
		},
	}

	// Make database path absolute if it's relative
	if db.DialectForDSN(config.DatabasePath) == db.DialectSQLite && !filepath.IsAbs(config.DatabasePath) {
		configDir := filepath.Dir(path)
		config.DatabasePath = filepath.Join(configDir, config.DatabasePath)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks values that would otherwise fail later at startup
func (c *Config) Validate() error {
	for _, repo := range c.Repositories {
		if _, err := models.ParseTenant(repo); err != nil {
			return err
		}
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q, expected memory or redis", c.Cache.Backend)
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 100 {
		return fmt.Errorf("sync.page_size must be between 1 and 100, got %d", c.Sync.PageSize)
	}
	if c.Sync.Cooldown < 0 || c.Sync.Interval < 0 || c.Cache.TTL < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Tenants returns the configured repositories
func (c *Config) Tenants() ([]models.Tenant, error) {
	tenants := make([]models.Tenant, 0, len(c.Repositories))
	for _, repo := range c.Repositories {
		t, err := models.ParseTenant(repo)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, nil
}

// SaveConfig saves the configuration to a JSON file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CreateDefaultConfig creates a default configuration file if it doesn't exist
func CreateDefaultConfig(path string) error {
	// Check if the file already exists
	if _, err := os.Stat(path); err == nil {
		return nil // File exists, don't overwrite
	}

	config := &Config{
		DatabasePath: "github_issues.db",
		Repositories: []string{"example/repo"},
		ListenAddr:   ":8080",
		Sync: SyncConfig{
			PageSize: 50,
			Cooldown: 60 * time.Second,
			Workers:  5,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     5 * time.Minute,
			Size:    1024,
		},
		Log: LogConfig{Level: "info"},
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return SaveConfig(config, path)
}
