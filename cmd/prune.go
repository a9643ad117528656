package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func pruneCmd() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Remove old entries from the database",
		Description: `Removes entries older than the configured max age.

		Every source keeps at least the configured minimum of entries, even when
		they are all older than the max age. Favorited and pinned entries are
		never removed.`,
		Action: func(ctx *cli.Context) error {
			d, err := setup(ctx.Context, appConfig(ctx))
			if err != nil {
				return err
			}
			defer d.Close()

			deleted, err := d.coordinator.Prune(ctx.Context)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d entries\n", deleted)
			return nil
		},
	}
}
