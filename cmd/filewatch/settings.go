package main

import (
	"filewatch"
	"filewatch/internal/config"

	"github.com/urfave/cli/v2"
)

// loadSettings layers command line flags over the embedded defaults, the
// config file and the environment.
func loadSettings(c *cli.Context, lookup config.LookupFunc) (config.Settings, error) {
	defaults, err := filewatch.EmbeddedConfigFS.ReadFile(filewatch.DefaultConfigPath)
	if err != nil {
		return config.Settings{}, err
	}
	settings, err := config.Load(c.String("config"), defaults, lookup)
	if err != nil {
		return config.Settings{}, err
	}

	if c.IsSet("backend") {
		settings.Backend = c.String("backend")
		settings.SetFlag("backend")
	}
	if c.IsSet("interval") {
		settings.Interval = c.Duration("interval")
		settings.SetFlag("interval")
	}
	if c.IsSet("max-watches") {
		settings.MaxWatches = c.Int("max-watches")
		settings.SetFlag("max-watches")
	}
	if c.IsSet("listen") {
		settings.Listen = c.String("listen")
		settings.SetFlag("listen")
	}
	if c.IsSet("log-level") {
		settings.LogLevel = c.String("log-level")
		settings.SetFlag("log-level")
	}
	if c.NArg() > 0 {
		settings.Paths = c.Args().Slice()
		settings.SetFlag("paths")
	}

	if err := settings.Validate(); err != nil {
		return config.Settings{}, err
	}
	return settings, nil
}
