package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/samcharles93/coreplan/internal/cb"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/urfave/cli/v3"
)

var (
	descriptorPath string
	gridSpec       string
	dramChannels   int
	l1Reserved     int
	logLevel       string
	logFormat      string
	debug          bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "descriptor",
			Aliases:     []string{"d"},
			Usage:       "path to a device descriptor yaml (default: synthetic grid)",
			Sources:     cli.EnvVars("COREPLAN_DESCRIPTOR"),
			Destination: &descriptorPath,
		},
		&cli.StringFlag{
			Name:        "grid",
			Usage:       "synthetic worker grid COLSxROWS, used without --descriptor",
			Value:       "12x10",
			Destination: &gridSpec,
		},
		&cli.IntFlag{
			Name:        "dram-channels",
			Usage:       "synthetic DRAM channel count, used without --descriptor",
			Value:       8,
			Destination: &dramChannels,
		},
		&cli.IntFlag{
			Name:        "l1-reserved",
			Usage:       "bytes at the bottom of each worker's L1 kept for firmware",
			Value:       cb.DefaultReserved,
			Destination: &l1Reserved,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setup applies the config file and installs the logger in the context
// every command reads it from.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	applyGlobalConfig(cmd, LoadConfig())

	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := logger.ForFormat(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
