package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_FromFile(t *testing.T) {
	p := writeFile(t, `
env: dev
http:
  port: "9090"
backend:
  base_url: https://api.example.com/prod
  rate_per_second: 2
feed:
  ttl: 2m
  page_size: 50
  fetch_all: false
snapshot:
  driver: sqlite
  dsn: /tmp/squibs.db
`)

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr())
	assert.Equal(t, "https://api.example.com/prod", cfg.Backend.BaseURL)
	assert.Equal(t, "/squibs", cfg.Backend.PublicPath)
	assert.Equal(t, "/my-squibs", cfg.Backend.PersonalPath)
	assert.Equal(t, 2.0, cfg.Backend.RatePerSecond)
	assert.Equal(t, 2*time.Minute, cfg.Feed.TTL)
	assert.Equal(t, 50, cfg.Feed.PageSize)
	assert.False(t, cfg.Feed.FetchAll)
	assert.Equal(t, DriverSQLite, cfg.Snapshot.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("BACKEND_URL", "http://localhost:3000")
	t.Setenv("FEED_PAGE_SIZE", "10")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Backend.BaseURL)
	assert.Equal(t, 10, cfg.Feed.PageSize)
	assert.Equal(t, 5*time.Minute, cfg.Feed.TTL)
	assert.True(t, cfg.Feed.FetchAll)
	assert.Equal(t, "", cfg.Snapshot.Driver)
}

func TestLoad_ConfigPathEnv(t *testing.T) {
	p := writeFile(t, "backend:\n  base_url: http://from-config-path\n")
	t.Setenv("CONFIG_PATH", p)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://from-config-path", cfg.Backend.BaseURL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Backend: BackendConfig{BaseURL: "http://x"},
			Feed:    FeedConfig{TTL: time.Minute, PageSize: 20},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no backend", func(c *Config) { c.Backend.BaseURL = "" }, "backend.base_url"},
		{"zero ttl", func(c *Config) { c.Feed.TTL = 0 }, "feed.ttl"},
		{"zero page size", func(c *Config) { c.Feed.PageSize = 0 }, "feed.page_size"},
		{"sqlite without dsn", func(c *Config) { c.Snapshot.Driver = DriverSQLite }, "snapshot.dsn"},
		{"redis without dsn", func(c *Config) { c.Snapshot.Driver = DriverRedis }, ""},
		{"unknown driver", func(c *Config) { c.Snapshot.Driver = "mysql" }, "unknown snapshot.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
