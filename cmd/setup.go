package cmd

import (
	"context"
	"fmt"
	"os"

	"feedsync/config"
	"feedsync/db"
	"feedsync/lock"
	"feedsync/models"
	"feedsync/sources"
	"feedsync/syncer"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "TOML config file, defaults are used when empty",
			EnvVars: []string{"FEEDSYNC_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "driver",
			Usage:   "Database driver, sqlite or postgres",
			EnvVars: []string{"FEEDSYNC_DRIVER"},
		},
		&cli.StringFlag{
			Name:    "database",
			Aliases: []string{"d"},
			Usage:   "SQLite database file or PostgreSQL connection string",
			EnvVars: []string{"FEEDSYNC_DATABASE"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (trace, debug, info, warn, error)",
			EnvVars: []string{"FEEDSYNC_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format, text or json",
			EnvVars: []string{"FEEDSYNC_LOG_FORMAT"},
		},
	}
}

// setupLogging loads the configuration, applies flag overrides and configures
// logrus before any command runs
func setupLogging(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.IsSet("driver") {
		cfg.Database.Driver = ctx.String("driver")
	}
	if ctx.IsSet("database") {
		cfg.Database.DSN = ctx.String("database")
	}
	if ctx.IsSet("log-level") {
		cfg.Log.Level = ctx.String("log-level")
	}
	if ctx.IsSet("log-format") {
		cfg.Log.Format = ctx.String("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	// Keep stdout for command output
	log.SetOutput(os.Stderr)

	if ctx.App.Metadata == nil {
		ctx.App.Metadata = map[string]interface{}{}
	}
	ctx.App.Metadata["config"] = cfg
	return nil
}

func appConfig(ctx *cli.Context) *config.Config {
	if cfg, ok := ctx.App.Metadata["config"].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// deps are the shared pieces every syncing command needs
type deps struct {
	cfg         *config.Config
	db          *db.DB
	registry    *sources.Registry
	locker      lock.Locker
	coordinator *syncer.Coordinator
	extractor   *sources.ContentExtractor
	closers     []func() error
}

func openDB(cfg *config.Config) (*db.DB, error) {
	// each sync worker holds a connection, the API needs a few more
	return db.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Sync.Workers+4)
}

func newRegistry(cfg *config.Config) (*sources.Registry, *sources.ContentExtractor) {
	fetcher := sources.NewFetcher(cfg.Sync.UserAgent)
	sanitizer := sources.NewSanitizer()

	registry := sources.NewRegistry()
	registry.Register(models.KindRSS, sources.NewRSSAdapter(fetcher, sanitizer, cfg.Sync.SkipOlderThan.Duration, cfg.Sync.MinimumEntries))
	registry.Register(models.KindMastodon, sources.NewMastodonAdapter(fetcher, sanitizer, cfg.Sync.MastodonFetchLimit))
	registry.Register(models.KindMastodonNotifications, sources.NewMastodonNotificationsAdapter(fetcher, sanitizer, cfg.Sync.MastodonFetchLimit))
	registry.Register(models.KindScraper, sources.NewScraperAdapter(fetcher, sanitizer, cfg.Scrapers))
	return registry, sources.NewContentExtractor(fetcher, sanitizer)
}

func setup(ctx context.Context, cfg *config.Config) (*deps, error) {
	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, db: database, closers: []func() error{database.Close}}

	switch cfg.Lock.Backend {
	case "redis":
		locker, err := lock.NewRedisLockerWithURL(ctx, cfg.Lock.RedisURL)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.locker = locker
		d.closers = append(d.closers, locker.Close)
	default:
		d.locker = db.NewSQLLocker(database)
	}

	d.registry, d.extractor = newRegistry(cfg)
	d.coordinator = syncer.NewCoordinator(database, d.registry, d.locker, cfg)
	return d, nil
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("Error during shutdown")
		}
	}
}

// lookupUser resolves the --user flag, an email address
func lookupUser(ctx *cli.Context, database *db.DB) (*models.User, error) {
	email := ctx.String("user")
	if email == "" {
		return nil, fmt.Errorf("--user is required")
	}
	user, err := database.GetUserByEmail(ctx.Context, email)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", email, err)
	}
	return user, nil
}

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "Email of the user",
		EnvVars: []string{"FEEDSYNC_USER"},
	}
}
