// Command review-bridge relays Google Play reviews into chat rooms and
// publishes chat replies back to the store.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "review-bridge",
		Usage:   "Bridge Google Play reviews and chat rooms",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (default: CONFIG_PATH or review-bridge.yaml)",
				EnvVars: []string{"CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			statsCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
