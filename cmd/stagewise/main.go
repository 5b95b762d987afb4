package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "stagewise:", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "stagewise",
		EnableShellCompletion: true,
		Usage:                 "Drive research requests through the researcher and writer stages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Sources: cli.EnvVars("STAGEWISE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides the config file",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newRunCommand(),
			newSubmitCommand(),
			newWorkCommand(),
			newStatusCommand(),
			newResultCommand(),
			newCancelCommand(),
			newHistoryCommand(),
			newListCommand(),
			newRecoverCommand(),
		},
	}
}
