package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mailtriage/internal/api"
	"mailtriage/internal/producer"
	"mailtriage/internal/queue"
)

var producerCmd = &cobra.Command{
	Use:   "producer",
	Short: "Scan for pending messages and dispatch jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), "producer", runOptions{producer: true, api: producerAPI})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the worker pool that processes jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), "worker", runOptions{workers: true, api: workerAPI})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run producer, workers and the admin API in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), "triage", runOptions{producer: true, workers: true, api: true})
	},
}

var (
	producerAPI bool
	workerAPI   bool
)

func init() {
	producerCmd.Flags().BoolVar(&producerAPI, "api", true, "serve the admin API alongside")
	workerCmd.Flags().BoolVar(&workerAPI, "api", false, "serve the admin API alongside")
}

type runOptions struct {
	producer bool
	workers  bool
	api      bool
}

func run(ctx context.Context, component string, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, component)
	if err != nil {
		return err
	}

	q, err := a.openQueue(ctx)
	if err != nil {
		_ = a.shutdown.Shutdown()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.api {
		errChan := make(chan error, 1)
		server := api.NewServer(a.store, a.logger).Start(a.cfg.HTTPPort, errChan)
		a.shutdown.Add("api", func(ctx context.Context) error {
			a.logger.Info("shutting down api server")
			return server.Shutdown(ctx)
		})
		g.Go(func() error {
			select {
			case err := <-errChan:
				return fmt.Errorf("api server: %w", err)
			case <-gctx.Done():
				return nil
			}
		})
	}

	if opts.workers {
		pool := queue.NewWorkerPool(a.cfg.Workers, q, a.jobHandler(), a.logger)
		pool.Start(ctx)
		a.shutdown.Add("workers", pool.Shutdown)
	}

	if opts.producer {
		scanner := producer.NewScanner(a.store, q, producer.ScannerConfig{
			BatchSize:   a.cfg.BatchSize,
			JobTimeout:  a.cfg.JobTimeout,
			MaxAttempts: a.cfg.JobMaxAttempts,
		}, a.logger)
		scheduler := producer.NewScheduler(scanner, a.cfg.ScanInterval, a.logger)
		scheduler.Start(ctx)
		a.shutdown.Add("scheduler", func(context.Context) error {
			scheduler.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return a.shutdown.Wait(gctx)
	})
	return g.Wait()
}
