package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"filewatch/internal/version"

	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "filewatch",
		Usage:     "Report validated changes to watched files",
		ArgsUsage: "[paths...]",
		Version:   version.Get().String(),

		HideHelpCommand: true,

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "TOML settings file",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "change detection backend: auto, native or poll",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "tick interval",
			},
			&cli.IntFlag{
				Name:  "max-watches",
				Usage: "maximum number of watched paths (0 = unlimited)",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "address serving /ws and /metrics (empty disables the server)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warning or error",
			},
		},

		Action: func(c *cli.Context) error {
			settings, err := loadSettings(c, os.LookupEnv)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			return run(c.Context, settings, os.Stderr)
		},
	}
}
