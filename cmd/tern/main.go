package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ternstore/tern/lib/logger"
)

var log, _ = logger.New("tern-cli")

func main() {
	app := &cli.App{
		Name:  "tern",
		Usage: "Object I/O engine client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store",
				Value: "tern-data",
				Usage: "Path for the embedded dev store",
			},
			&cli.StringFlag{
				Name:  "metadata-addr",
				Usage: "Address of a remote devstore metadata service; embedded store is used when empty",
			},
		},
		Commands: []*cli.Command{
			uploadCmd,
			readCmd,
			copyCmd,
			statCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalw("command failed", "err", err)
	}
}
