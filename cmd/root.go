package cmd

import (
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "feedsync",
		Usage: "Sync RSS, Mastodon and scraped sources into one ranked feed",
		Description: `Feedsync keeps a personal feed of entries collected from RSS and Atom
		feeds, Mastodon home timelines and scraped web pages.

		Sources are synced on a schedule with bounded parallelism. Entries are
		deduplicated per source, old entries are pruned while every source keeps
		a minimum number of entries, and the feed can be browsed page by page
		ordered by recency or by how rarely a source posts.

		Flags can generally be set via environment variables, e.g.:

		--database => FEEDSYNC_DATABASE=feed.db
		--port => FEEDSYNC_PORT=8080
		`,
		Flags:  globalFlags(),
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			syncCmd(),
			pruneCmd(),
			userCmd(),
			sourceCmd(),
			entryCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}
