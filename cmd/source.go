package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"feedsync/models"
	"feedsync/sources"

	"github.com/urfave/cli/v2"
)

func sourceCmd() *cli.Command {
	return &cli.Command{
		Name:  "source",
		Usage: "Manage the sources of a user",
		Subcommands: []*cli.Command{
			sourceAddCmd(),
			sourceListCmd(),
			sourceRemoveCmd(),
		},
	}
}

func sourceAddCmd() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Subscribe a user to a source",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "kind", Value: string(models.KindRSS), Usage: "rss, mastodon, mastodon_notifications or scraper"},
			&cli.StringFlag{Name: "name", Required: true, Usage: "Unique name of the source"},
			&cli.StringFlag{Name: "url", Required: true, Usage: "Feed url, Mastodon server url or page to scrape"},
			&cli.StringFlag{Name: "folder", Usage: "Folder to file the source under"},
			&cli.StringFlag{Name: "filters", Usage: "Entry filters, e.g. author=John,title=go"},
			&cli.StringFlag{Name: "token", Usage: "Access token, required for Mastodon", EnvVars: []string{"FEEDSYNC_SOURCE_TOKEN"}},
		},
		Action: func(ctx *cli.Context) error {
			cfg := appConfig(ctx)
			kind := models.SourceKind(ctx.String("kind"))
			registry, _ := newRegistry(cfg)
			if _, err := registry.Lookup(kind); err != nil {
				return err
			}
			if _, err := sources.ParseFilters(ctx.String("filters")); err != nil {
				return err
			}

			database, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			user, err := lookupUser(ctx, database)
			if err != nil {
				return err
			}
			source, err := database.CreateSource(ctx.Context, models.Source{
				UserId:      user.Id,
				Kind:        kind,
				Name:        ctx.String("name"),
				Url:         ctx.String("url"),
				Folder:      ctx.String("folder"),
				Filters:     ctx.String("filters"),
				AccessToken: ctx.String("token"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("Created source %d (%s)\n", source.Id, source.Name)
			return nil
		},
	}
}

func sourceListCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the sources of a user",
		Flags: []cli.Flag{userFlag()},
		Action: func(ctx *cli.Context) error {
			database, err := openDB(appConfig(ctx))
			if err != nil {
				return err
			}
			defer database.Close()

			user, err := lookupUser(ctx, database)
			if err != nil {
				return err
			}
			list, err := database.ListSources(ctx.Context, user.Id)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tNAME\tFOLDER\tLAST FETCH\tERROR")
			for _, s := range list {
				lastFetch := "never"
				if s.LastFetch != nil {
					lastFetch = s.LastFetch.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Id, s.Kind, s.Name, s.Folder, lastFetch, s.LastError)
			}
			return w.Flush()
		},
	}
}

func sourceRemoveCmd() *cli.Command {
	return &cli.Command{
		Name:  "remove",
		Usage: "Remove a source, keeping its favorited and pinned entries",
		Flags: []cli.Flag{
			userFlag(),
			&cli.StringFlag{Name: "name", Required: true, Usage: "Name of the source"},
		},
		Action: func(ctx *cli.Context) error {
			database, err := openDB(appConfig(ctx))
			if err != nil {
				return err
			}
			defer database.Close()

			user, err := lookupUser(ctx, database)
			if err != nil {
				return err
			}
			source, err := database.GetSourceByName(ctx.Context, user.Id, ctx.String("name"))
			if err != nil {
				return err
			}
			if err := database.DeleteSource(ctx.Context, source.Id); err != nil {
				return err
			}
			fmt.Printf("Removed source %s\n", source.Name)
			return nil
		},
	}
}
