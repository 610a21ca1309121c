package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/coreplan/internal/api"
	"github.com/samcharles93/coreplan/internal/kernelcache"
	"github.com/samcharles93/coreplan/internal/logger"
	"github.com/samcharles93/coreplan/internal/ops"
	"github.com/samcharles93/coreplan/internal/sim"
	"github.com/samcharles93/coreplan/internal/topology"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the planning API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := logger.FromContext(ctx)

			t, err := loadTopology()
			if err != nil {
				return err
			}
			// Plans compile against a simulated device of the same topology.
			dev, err := sim.New(t, sim.WithLogger(log))
			if err != nil {
				return err
			}
			defer func() { _ = dev.Close() }()
			ops.RegisterKernels(dev.Registry())

			server := api.NewServer(api.Config{
				Topology: t,
				Compiler: dev,
				Cache:    kernelcache.New(),
				Reserved: l1Reserved,
				Logger:   log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "arch", t.Arch(), "workers", len(t.Cores(topology.RoleWorker)))
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
