package main

import (
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"
)

var (
	version = versioninfo.Short()
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:  "lemmy",
		Usage: "federated link aggregator: action propagation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-url",
				Usage:   "database connection string (sqlite path or postgres URL)",
				Value:   "sqlite://./lemmy.sqlite",
				EnvVars: []string{"LEMMY_DB_URL"},
			},
		},
	}

	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the server",
			Action: runServe,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "bind",
					Usage:   "Specify the local IP/port to bind to",
					Value:   ":8536",
					EnvVars: []string{"LEMMY_BIND"},
				},
				&cli.StringFlag{
					Name:    "metrics-listen",
					Usage:   "listen endpoint for prometheus metrics",
					Value:   "localhost:8537",
					EnvVars: []string{"LEMMY_METRICS_LISTEN"},
				},
			},
		},
		&cli.Command{
			Name:  "version",
			Usage: "print version",
			Action: func(cctx *cli.Context) error {
				fmt.Println(version)
				return nil
			},
		},
	}

	return app.Run(args)
}
