package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

func userCmd() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage users",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create a user",
				ArgsUsage: "<email>",
				Action: func(ctx *cli.Context) error {
					email := ctx.Args().First()
					if email == "" {
						return fmt.Errorf("email is required")
					}
					database, err := openDB(appConfig(ctx))
					if err != nil {
						return err
					}
					defer database.Close()

					user, err := database.CreateUser(ctx.Context, email)
					if err != nil {
						return err
					}
					fmt.Printf("Created user %d (%s)\n", user.Id, user.Email)
					return nil
				},
			},
		},
	}
}
