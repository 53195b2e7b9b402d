package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"botlogs/services/console/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := buildApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

func buildApp() *cli.App {
	return &cli.App{
		Name:  "console",
		Usage: "bot logs console service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before reading the environment",
				Value: ".env",
			},
		},
		Before: func(c *cli.Context) error {
			return config.LoadDotEnv(c.String("env-file"))
		},
		Action: func(c *cli.Context) error {
			return runServe(c.Context, config.Load())
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the console API",
				Action: func(c *cli.Context) error {
					return runServe(c.Context, config.Load())
				},
			},
			{
				Name:      "link",
				Usage:     "normalize a console deep link and print its cache key",
				ArgsUsage: "<url>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("link expects exactly one url", 2)
					}
					return runLink(c.App.Writer, c.Args().First())
				},
			},
			{
				Name:      "fetch",
				Usage:     "fetch the page a console deep link shows",
				ArgsUsage: "<url>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return cli.Exit("fetch expects exactly one url", 2)
					}
					return runFetch(c.Context, c.App.Writer, config.Load(), c.Args().First())
				},
			},
		},
	}
}
