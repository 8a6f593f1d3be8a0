package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	relay "github.com/autoblocksai/cli"
	"github.com/autoblocksai/cli/flags"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "autoblocks"
	app.Usage = "Autoblocks command line tools"
	app.Commands = []*cli.Command{
		{
			Name:  "testing",
			Usage: "Test suite orchestration",
			Subcommands: []*cli.Command{
				{
					Name:      "exec",
					Usage:     "Run a test command and relay its results to Autoblocks",
					UsageText: "autoblocks testing exec [options] -- <command> [args...]",
					Flags:     flags.Flags,
					Action:    run,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("Application failed", "err", err)
	}
}

func run(ctx *cli.Context) error {
	setLogLevel(ctx.String(flags.LogLevel.Name))

	cfg, err := relay.NewConfig(ctx)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	r, err := relay.New(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	code, err := r.Run(ctx.Context)
	if err != nil {
		return cli.Exit(err.Error(), code)
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}

func setLogLevel(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	log.SetDefault(log.NewLogger(slog.NewTextHandler(
		os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
