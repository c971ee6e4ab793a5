package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "TokenDAO"
	app.Usage = "Token-weighted governance node and client"
	app.Compiled = time.Now()

	cli.VersionPrinter = func(c *cli.Context) {
		printVersion()
	}

	// global flags
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "repo",
			Usage: "TokenDAO storage repo path",
		},
	}

	app.Commands = []*cli.Command{
		configCMD,
		{
			Name:   "start",
			Usage:  "Start a long-running daemon process",
			Action: start,
		},
		keyCMD,
		proposalCMD,
		settingsCMD,
		{
			Name:      "balance",
			Usage:     "Show the voting power of an account",
			ArgsUsage: "<address>",
			Flags:     []cli.Flag{apiFlag},
			Action:    balance,
		},
		{
			Name:    "version",
			Aliases: []string{"v"},
			Usage:   "TokenDAO version",
			Action: func(ctx *cli.Context) error {
				printVersion()
				return nil
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
