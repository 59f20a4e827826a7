// Package config handles loading, validating, and writing the tally
// configuration from ~/.tally/config.yaml.
//
// The config defines:
//   - Server bind address (host:port)
//   - Database engine (embedded SQLite file or PostgreSQL URL)
//   - History query limits and verification batch size
//   - Live feed toggle and log level/format
//
// Every field can be overridden by a TALLY_* environment variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// FileName is the config file inside the config directory.
const FileName = "config.yaml"

// Config is the top-level tally configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
	Feed     FeedConfig     `yaml:"feed"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host" env:"TALLY_HOST" env-default:"127.0.0.1"`
	Port int    `yaml:"port" env:"TALLY_PORT" env-default:"3200"`
}

// DatabaseConfig selects the storage engine.
//
// Driver "sqlite" (default) uses Path, relative paths being resolved
// against the config directory. Driver "postgres" uses URL.
type DatabaseConfig struct {
	Driver         string `yaml:"driver" env:"TALLY_DB_DRIVER" env-default:"sqlite"`
	Path           string `yaml:"path" env:"TALLY_DB_PATH" env-default:"tally.db"`
	URL            string `yaml:"url" env:"TALLY_DB_URL"`
	MaxConnections int    `yaml:"max_connections" env:"TALLY_DB_MAX_CONNECTIONS" env-default:"10"`
}

// HistoryConfig bounds history queries. The page sizes hot-reload.
type HistoryConfig struct {
	DefaultPageSize int `yaml:"default_page_size" env:"TALLY_HISTORY_DEFAULT_PAGE_SIZE" env-default:"50"`
	MaxPageSize     int `yaml:"max_page_size" env:"TALLY_HISTORY_MAX_PAGE_SIZE" env-default:"200"`
	VerifyBatchSize int `yaml:"verify_batch_size" env:"TALLY_HISTORY_VERIFY_BATCH_SIZE" env-default:"500"`
}

// FeedConfig controls the websocket feed at /api/history/feed.
// Enabled has no env-default: a zero bool cannot be told apart from an
// absent key, so the default comes from Defaults instead.
type FeedConfig struct {
	Enabled bool `yaml:"enabled" env:"TALLY_FEED_ENABLED"`
}

// LogConfig controls the zap logger. Level hot-reloads.
type LogConfig struct {
	Level  string `yaml:"level" env:"TALLY_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"TALLY_LOG_FORMAT" env-default:"console"`
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads config.yaml from dir and applies TALLY_* overrides.
// If the file doesn't exist, defaults plus environment are used (not an
// error). Invalid YAML or validation failures return an error.
func Load(dir string) (*Config, error) {
	cfg := Defaults()
	path := Path(dir)

	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	case errors.Is(statErr, os.ErrNotExist):
		// No config file: normal before `tally config init`.
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("reading environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, statErr)
	}

	if cfg.Database.Driver == "sqlite" && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(dir, cfg.Database.Path)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `tally config init`.
func WriteDefault(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(Defaults())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# tally configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# database:
#   driver: sqlite | postgres
#   path: SQLite file, relative to this directory
#   url: PostgreSQL connection string (postgres driver only)
#   max_connections: Connection pool size
#
# history:
#   default_page_size / max_page_size: Project history paging (hot-reloads)
#   verify_batch_size: Entries loaded per query during chain verification
#
# feed:
#   enabled: Serve the websocket feed at /api/history/feed
#
# log:
#   level: debug | info | warn | error (hot-reloads)
#   format: console | json
#
# Every value can be overridden with a TALLY_* environment variable.

`
	return os.WriteFile(Path(dir), []byte(header+string(data)), 0o644)
}

// Defaults returns a Config with all fields set to their default values.
// They match the env-default tags.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Database: DatabaseConfig{
			Driver:         "sqlite",
			Path:           "tally.db",
			MaxConnections: 10,
		},
		History: HistoryConfig{
			DefaultPageSize: 50,
			MaxPageSize:     200,
			VerifyBatchSize: 500,
		},
		Feed: FeedConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q must be sqlite or postgres", cfg.Database.Driver)
	}
	if cfg.Database.MaxConnections < 0 {
		return fmt.Errorf("database.max_connections must be non-negative")
	}

	h := cfg.History
	if h.MaxPageSize < 1 {
		return fmt.Errorf("history.max_page_size must be positive")
	}
	if h.DefaultPageSize < 1 || h.DefaultPageSize > h.MaxPageSize {
		return fmt.Errorf("history.default_page_size %d out of range (1-%d)", h.DefaultPageSize, h.MaxPageSize)
	}
	if h.VerifyBatchSize < 1 {
		return fmt.Errorf("history.verify_batch_size must be positive")
	}

	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format %q must be console or json", cfg.Log.Format)
	}
	return nil
}
