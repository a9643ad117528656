package cmd

import (
	"fmt"

	"feedsync/models"

	"github.com/urfave/cli/v2"
)

func entryCmd() *cli.Command {
	return &cli.Command{
		Name:  "entry",
		Usage: "Manage standalone entries",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Save a link as an entry that belongs to no source",
				Flags: []cli.Flag{
					userFlag(),
					&cli.StringFlag{Name: "url", Required: true, Usage: "Link to save"},
					&cli.StringFlag{Name: "title", Usage: "Title, the url when empty"},
					&cli.StringFlag{Name: "content", Usage: "Short description"},
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

					url := ctx.String("url")
					title := ctx.String("title")
					if title == "" {
						title = url
					}
					now := database.Now()
					id, err := database.AddStandalone(ctx.Context, user.Id, models.NormalizedEntry{
						RemoteId:     url,
						Title:        title,
						ShortContent: ctx.String("content"),
						TargetUrl:    url,
						ContentUrl:   url,
						DisplayDate:  now,
						SortDate:     now,
					})
					if err != nil {
						return err
					}
					fmt.Printf("Saved entry %d\n", id)
					return nil
				},
			},
		},
	}
}
