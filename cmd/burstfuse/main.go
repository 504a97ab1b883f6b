package main

import (
	"context"
	"fmt"
	"os"

	"burstfuse/internal/cli"
	"burstfuse/internal/config"
	"burstfuse/internal/logging"
	"burstfuse/internal/metrics"
	"burstfuse/internal/pipeline"
	"burstfuse/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "burstfuse:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg, m)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe, m).ExecuteContext(ctx)
}
