package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "10m" in TOML
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Database struct {
	// Driver is either "sqlite" or "postgres"
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type Sync struct {
	Schedule           string   `toml:"schedule"`
	Cooldown           Duration `toml:"cooldown"`
	Workers            int      `toml:"workers"`
	FetchTimeout       Duration `toml:"fetch_timeout"`
	SkipOlderThan      Duration `toml:"skip_older_than"`
	MinimumEntries     int      `toml:"minimum_entries"`
	MastodonFetchLimit int      `toml:"mastodon_fetch_limit"`
	UserAgent          string   `toml:"user_agent"`
}

type Retention struct {
	Schedule    string   `toml:"schedule"`
	MaxAge      Duration `toml:"max_age"`
	MinRetained int      `toml:"min_retained"`
}

type Feed struct {
	PageSize int `toml:"page_size"`
	// RecentWindow is the boost window of the frequency ordering
	RecentWindow Duration `toml:"recent_window"`
}

type Lock struct {
	// Backend is either "database" or "redis"
	Backend  string   `toml:"backend"`
	Lease    Duration `toml:"lease"`
	RedisURL string   `toml:"redis_url"`
}

type Server struct {
	Port int `toml:"port"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ScraperRule describes how to extract entries from one site with CSS selectors
type ScraperRule struct {
	Prefix   string `toml:"prefix"`
	Item     string `toml:"item"`
	Title    string `toml:"title"`
	Link     string `toml:"link"`
	Summary  string `toml:"summary,omitempty"`
	Author   string `toml:"author,omitempty"`
	Date     string `toml:"date,omitempty"`
	DateAttr string `toml:"date_attr,omitempty"`
	// DateLayout is a Go reference layout, RFC3339 when empty
	DateLayout string `toml:"date_layout,omitempty"`
	Image      string `toml:"image,omitempty"`
}

type Config struct {
	Database  Database      `toml:"database"`
	Sync      Sync          `toml:"sync"`
	Retention Retention     `toml:"retention"`
	Feed      Feed          `toml:"feed"`
	Lock      Lock          `toml:"lock"`
	Server    Server        `toml:"server"`
	Log       Log           `toml:"log"`
	Scrapers  []ScraperRule `toml:"scrapers"`
}

func Default() *Config {
	return &Config{
		Database: Database{Driver: "sqlite", DSN: "feed.db"},
		Sync: Sync{
			Schedule:           "*/30 * * * *",
			Cooldown:           Duration{10 * time.Minute},
			Workers:            4,
			FetchTimeout:       Duration{30 * time.Second},
			SkipOlderThan:      Duration{7 * 24 * time.Hour},
			MinimumEntries:     5,
			MastodonFetchLimit: 50,
			UserAgent:          "feedsync/1.0",
		},
		Retention: Retention{
			Schedule:    "0 */12 * * *",
			MaxAge:      Duration{7 * 24 * time.Hour},
			MinRetained: 5,
		},
		Feed: Feed{
			PageSize:     10,
			RecentWindow: Duration{24 * time.Hour},
		},
		Lock: Lock{
			Backend: "database",
			Lease:   Duration{5 * time.Minute},
		},
		Server: Server{Port: 3000},
		Log:    Log{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a TOML file on top of the defaults. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Lock.Backend {
	case "database":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("redis lock backend requires lock.redis_url")
		}
	default:
		return fmt.Errorf("unsupported lock backend %q", c.Lock.Backend)
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Feed.PageSize < 1 {
		return fmt.Errorf("feed.page_size must be at least 1, got %d", c.Feed.PageSize)
	}
	if c.Retention.MinRetained < 0 {
		return fmt.Errorf("retention.min_retained must not be negative")
	}
	return nil
}
