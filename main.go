package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const usage = `systemd-swap manages dynamic swap: zswap tuning, zram devices,
			   activation of swap partitions (swapD) and on-demand swap files (swapFC).
			   Without a command it prints the current status.`

func main() {
	app := cli.NewApp()
	app.Name = "systemd-swap"
	app.Usage = usage

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Commands = []cli.Command{
		startCommand,
		stopCommand,
		statusCommand,
		compressionCommand,
	}
	app.Action = statusCommand.Action

	app.Before = func(context *cli.Context) error {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		log.SetOutput(os.Stdout)
		if context.GlobalBool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
