package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-scout/api"
	"github.com/aluiziolira/go-price-scout/cache"
	"github.com/aluiziolira/go-price-scout/scheduler"
	"github.com/aluiziolira/go-price-scout/telemetry"
)

const stopTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the HTTP API, job workers and the scheduled bulk scrape.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	tel, err := telemetry.Setup(ctx, "pricescout", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	backend, err := cache.NewRedisBackend(ctx, &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.ConfigureKeyspaceEvents)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, backend, reg)
	if err != nil {
		backend.Close()
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("shutdown failed", slog.Any("error", err))
		}
	}()
	if cfg.Verbose {
		a.runner.StartMetricsReporting(30 * time.Second)
	}

	if len(cfg.ScheduledItems) > 0 && cfg.ScheduleSpec != "" {
		sched := scheduler.New(a.items, a.coord, cfg.ScheduledItems)
		if err := sched.Start(cfg.ScheduleSpec); err != nil {
			return err
		}
		defer func() {
			select {
			case <-sched.Stop().Done():
			case <-time.After(stopTimeout):
				slog.Warn("bulk scrape still running at shutdown")
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	handler := api.NewHandler(a.items, a.coord, a.dir, map[string]api.Pinger{
		"redis":    a.coord,
		"database": a.dir,
	})
	return api.Serve(ctx, cfg.ListenAddr, handler)
}
