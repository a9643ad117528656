package config_test

import (
	"feedsync/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Cooldown.Duration)
	assert.Equal(t, 4, cfg.Sync.Workers)
	assert.Equal(t, 168*time.Hour, cfg.Retention.MaxAge.Duration)
	assert.Equal(t, 5, cfg.Retention.MinRetained)
	assert.Equal(t, 24*time.Hour, cfg.Feed.RecentWindow.Duration)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
[database]
driver = "postgres"
dsn = "postgres://feeds@localhost/feeds?sslmode=disable"

[sync]
cooldown = "2m"
workers = 8

[lock]
backend = "redis"
redis_url = "redis://localhost:6379/0"

[[scrapers]]
prefix = "https://news.example.com"
item = "article"
title = "h2"
link = "a"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Cooldown.Duration)
	assert.Equal(t, 8, cfg.Sync.Workers)
	// untouched values keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Sync.FetchTimeout.Duration)
	require.Len(t, cfg.Scrapers, 1)
	assert.Equal(t, "article", cfg.Scrapers[0].Item)
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad driver", content: "[database]\ndriver = \"mysql\""},
		{name: "bad duration", content: "[sync]\ncooldown = \"soon\""},
		{name: "redis without url", content: "[lock]\nbackend = \"redis\""},
		{name: "zero workers", content: "[sync]\nworkers = 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
