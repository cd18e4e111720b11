package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/samcharles93/lmhost/internal/api"
	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/scheduler"
)

func (a *app) serveCmd() *cli.Command {
	p := config.Defaults()
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		burst       int
		queueRate   float64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the model over an OpenAI-style HTTP API",
		Flags: append(config.Flags(&p),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "requests per second allowed per client (0 = unlimited)",
				Destination: &rateLimit,
			},
			&cli.IntFlag{
				Name:        "burst",
				Usage:       "request burst allowed per client with --rate-limit and overall with --queue-rate",
				Value:       4,
				Destination: &burst,
			},
			&cli.Float64Flag{
				Name:        "queue-rate",
				Usage:       "requests per second admitted to the model across all clients (0 = unlimited)",
				Destination: &queueRate,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if a.file.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = a.file.ServerAddress
			}
			var opts []scheduler.Option
			if queueRate > 0 {
				opts = append(opts, scheduler.WithAdmissionLimit(rate.NewLimiter(rate.Limit(queueRate), max(burst, 1))))
			}
			sched, err := a.startScheduler(ctx, cmd, &p, opts...)
			if err != nil {
				return err
			}

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			if rateLimit > 0 {
				store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
					Rate:  rateLimit,
					Burst: burst,
				})
				e.Use(middleware.RateLimiter(store))
			}
			api.NewServer(sched, api.WithLogger(a.log)).Register(e)

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				defer cancel()
				a.log.Info("starting server", "address", addr, "model", p.Model)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				if err := sc.Start(gctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.log.Info("stopping model")
				return sched.Stop()
			})
			return g.Wait()
		},
	}
}
