package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedsync/feeds"
	"feedsync/ranking"
	"feedsync/scheduler"
	"feedsync/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the feedsync API and run scheduled syncs",
		Description: `Starts the feedsync HTTP API and the scheduler.

		Sources are synced on the configured sync schedule and old entries are
		pruned on the retention schedule. The API serves the ranked feed and the
		on demand sync and prune triggers.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				EnvVars: []string{"FEEDSYNC_PORT"},
			},
			&cli.BoolFlag{
				Name:    "no-schedule",
				Usage:   "Only serve the API, do not sync on a schedule",
				EnvVars: []string{"FEEDSYNC_NO_SCHEDULE"},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg := appConfig(ctx)
			if ctx.IsSet("port") {
				cfg.Server.Port = ctx.Int("port")
			}

			d, err := setup(ctx.Context, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			sched, err := scheduler.New(d.coordinator, cfg.Sync.Schedule, cfg.Retention.Schedule)
			if err != nil {
				return err
			}

			ranker := ranking.NewRanker(d.db, cfg.Retention.MaxAge.Duration)
			app := server.Server(&server.ServerConfig{
				DB:        d.db,
				Engine:    feeds.NewEngine(d.db, ranker, cfg.Feed.PageSize, cfg.Feed.RecentWindow.Duration),
				Registry:  d.registry,
				Jobs:      d.coordinator,
				Scheduler: sched,
				Extractor: d.extractor,
			})

			// Graceful shutdown
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			errChan := make(chan error, 1)

			if !ctx.Bool("no-schedule") {
				sched.Start()
			}

			go func() {
				log.Infof("Starting server on port %d", cfg.Server.Port)
				if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
					errChan <- err
				}
			}()

			select {
			case <-sigChan:
				log.Info("Gracefully shutting down...")
			case err = <-errChan:
				log.WithFields(log.Fields{"error": err}).Error("Server stopped")
			}

			if shutdownErr := app.ShutdownWithTimeout(60 * time.Second); shutdownErr != nil {
				log.WithFields(log.Fields{"error": shutdownErr}).Warn("Error shutting down server")
			}
			sched.Stop()
			log.Info("Done!")
			return err
		},
	}
}
