package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aluiziolira/go-price-scout/aggregate"
	"github.com/aluiziolira/go-price-scout/cache"
	"github.com/aluiziolira/go-price-scout/config"
	"github.com/aluiziolira/go-price-scout/directory"
	"github.com/aluiziolira/go-price-scout/pipeline"
	"github.com/aluiziolira/go-price-scout/scraper"
	"github.com/aluiziolira/go-price-scout/service"
	"github.com/aluiziolira/go-price-scout/stores"
)

const pageCacheSize = 64

// app is the wired object graph shared by serve and search.
type app struct {
	dir     *directory.Repository
	backend cache.Backend
	coord   *cache.Coordinator
	runner  *pipeline.Runner
	items   *service.Service
}

func openDirectory(ctx context.Context, cfg *config.Config) (*directory.Repository, error) {
	dir, err := directory.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, cfg.DirectoryTTL)
	if err != nil {
		return nil, err
	}
	added, err := dir.Seed(ctx, cfg.Stores)
	if err != nil {
		dir.Close()
		return nil, fmt.Errorf("seed stores: %w", err)
	}
	if added > 0 {
		slog.Info("seeded store directory", slog.Int("added", added))
	}
	return dir, nil
}

// newApp wires the engine, aggregator, runner and orchestrator on backend.
// A nil reg leaves every metric unregistered. The app owns backend.
func newApp(ctx context.Context, cfg *config.Config, backend cache.Backend, reg prometheus.Registerer) (*app, error) {
	dir, err := openDirectory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	factory := &stores.Factory{
		Collector: scraper.NewCollector(cfg),
		Options: scraper.Options{
			Pages:            scraper.NewPageCache(pageCacheSize, cfg.InitialPageTTL),
			PageTTL:          cfg.InitialPageTTL,
			Limiter:          scraper.NewHostLimiter(cfg.RequestsPerSecond, 1),
			TransportRetries: cfg.TransportRetries,
			Metrics:          scraper.NewMetrics(reg),
		},
	}
	agg := aggregate.New(aggregate.NewRegistry(dir, factory))

	coord := cache.NewCoordinator(backend, cache.Options{
		ResultTTL: cfg.ResultTTL,
		LockTTL:   cfg.LockTTL,
		Metrics:   cache.NewMetrics(reg),
	})

	runner := pipeline.NewRunner(agg, coord, pipeline.Options{
		QueueSize: cfg.QueueSize,
		Metrics:   pipeline.NewMetrics(reg),
	})
	runner.Start(cfg.Workers)

	items := service.New(dir, coord, runner, service.Options{
		MaxStoreRetries: cfg.MaxStoreRetries,
		WaitTimeout:     cfg.WaitTimeout,
		Metrics:         service.NewMetrics(reg),
	})

	return &app{
		dir:     dir,
		backend: backend,
		coord:   coord,
		runner:  runner,
		items:   items,
	}, nil
}

// Close drains the runner before closing the stores it writes to.
func (a *app) Close() error {
	return errors.Join(
		a.runner.Close(),
		a.backend.Close(),
		a.dir.Close(),
	)
}
