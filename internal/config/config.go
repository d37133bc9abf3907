// Package config loads process configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the root configuration.
//
// Sources, highest priority first: explicit path, CONFIG_PATH, ./config.yaml,
// environment only. A .env file in the working directory is loaded into the
// environment before any of them.
type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Backend  BackendConfig  `yaml:"backend"`
	Feed     FeedConfig     `yaml:"feed"`
	RSS      RSSConfig      `yaml:"rss"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// HTTPConfig configures the UI bridge listener.
type HTTPConfig struct {
	Host string `yaml:"host" env:"HTTP_HOST" env-default:"127.0.0.1"`
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, h.Port)
}

// LogConfig selects level and encoder.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

// BackendConfig points at the paginated feed API.
type BackendConfig struct {
	BaseURL       string        `yaml:"base_url" env:"BACKEND_URL"`
	PublicPath    string        `yaml:"public_path" env:"BACKEND_PUBLIC_PATH" env-default:"/squibs"`
	PersonalPath  string        `yaml:"personal_path" env:"BACKEND_PERSONAL_PATH" env-default:"/my-squibs"`
	Timeout       time.Duration `yaml:"timeout" env:"BACKEND_TIMEOUT" env-default:"15s"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"BACKEND_RATE" env-default:"5"`
	Burst         int           `yaml:"burst" env:"BACKEND_BURST" env-default:"2"`
}

// FeedConfig tunes the caches and controllers.
type FeedConfig struct {
	TTL      time.Duration `yaml:"ttl" env:"FEED_TTL" env-default:"5m"`
	PageSize int           `yaml:"page_size" env:"FEED_PAGE_SIZE" env-default:"20"`
	// FetchAll primes the cache with a single unpaginated request.
	FetchAll bool `yaml:"fetch_all" env:"FEED_FETCH_ALL" env-default:"true"`
	// BackgroundRefresh refreshes silently after serving a fresh cache.
	BackgroundRefresh bool   `yaml:"background_refresh" env:"FEED_BACKGROUND_REFRESH" env-default:"false"`
	AuthorID          string `yaml:"author_id" env:"FEED_AUTHOR_ID"`
}

// RSSConfig optionally serves the personal feed from an RSS/Atom export.
type RSSConfig struct {
	PersonalURL string `yaml:"personal_url" env:"RSS_PERSONAL_URL"`
}

// SnapshotConfig selects where cache records are persisted between runs.
// An empty driver disables persistence.
type SnapshotConfig struct {
	Driver        string `yaml:"driver" env:"SNAPSHOT_DRIVER"`
	DSN           string `yaml:"dsn" env:"SNAPSHOT_DSN"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"127.0.0.1:6379"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASS"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
}

// Snapshot drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration and validates it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	switch {
	case path != "":
	case os.Getenv("CONFIG_PATH") != "":
		path = os.Getenv("CONFIG_PATH")
	default:
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.Feed.TTL <= 0 {
		return fmt.Errorf("feed.ttl must be > 0")
	}
	if c.Feed.PageSize <= 0 {
		return fmt.Errorf("feed.page_size must be > 0")
	}
	switch c.Snapshot.Driver {
	case "", DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.Snapshot.DSN == "" {
			return fmt.Errorf("snapshot.dsn is required for driver %q", c.Snapshot.Driver)
		}
	default:
		return fmt.Errorf("unknown snapshot.driver %q", c.Snapshot.Driver)
	}
	return nil
}
