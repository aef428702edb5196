package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/makeasinger/moment/internal/config"
	"github.com/makeasinger/moment/internal/logging"
)

func newServeCommand(load func() (*config.Config, error)) *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and by default the pipeline workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(ctx, a, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "Also process pipeline tasks in this process (asynq executor)")
	return cmd
}

func serve(ctx context.Context, a *app, withWorker bool) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()

	p.Go(func(ctx context.Context) error {
		a.hub.Run(ctx)
		return nil
	})
	if a.asynqExec != nil {
		// events from workers arrive through redis
		p.Go(func(ctx context.Context) error {
			a.hub.Relay(ctx, a.redis)
			return nil
		})
		if withWorker {
			p.Go(func(ctx context.Context) error { return runAsynqServer(ctx, a) })
		}
	}

	httpApp := newHTTPApp(a)
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		a.logger.Info("shutting down server")
		return httpApp.ShutdownWithTimeout(10 * time.Second)
	})
	p.Go(func(ctx context.Context) error {
		addr := ":" + a.cfg.Server.Port
		a.logger.Info("server starting", "addr", addr, "executor", a.cfg.Pipeline.Executor, "queue", a.cfg.QueueName())
		if err := httpApp.Listen(addr); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	return p.Wait()
}

func newWorkerCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process pipeline tasks from the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Pipeline.Executor != "asynq" {
				return fmt.Errorf("worker requires the asynq executor, got %q", cfg.Pipeline.Executor)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return runAsynqServer(ctx, a)
		},
	}
}

// runAsynqServer processes the operator's queue until ctx is done.
func runAsynqServer(ctx context.Context, a *app) error {
	cfg := a.cfg
	srv := asynq.NewServer(a.redisOpt(), asynq.Config{
		Concurrency: cfg.Pipeline.Concurrency,
		Queues:      map[string]int{cfg.QueueName(): 1},
		Logger:      logging.NewAsynqLogger(a.logger),
		LogLevel:    logging.AsynqLevel(cfg.Server.LogLevel),
	})

	mux := asynq.NewServeMux()
	a.asynqExec.Register(mux)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("asynq worker error: %w", err)
	}
	a.logger.Info("pipeline worker started", "queue", cfg.QueueName(), "concurrency", cfg.Pipeline.Concurrency)
	<-ctx.Done()
	srv.Shutdown()
	return nil
}
