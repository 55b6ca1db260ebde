package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voronovm/workplanner/config"
	"github.com/voronovm/workplanner/internal/engine"
	ctxlog "github.com/voronovm/workplanner/internal/log"
	"github.com/voronovm/workplanner/internal/metrics"
	"github.com/voronovm/workplanner/internal/postgres"
	"github.com/voronovm/workplanner/internal/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := ctxlog.New(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	defs, err := config.LoadJobDefinitions(cfg.JobDefinitionsPath)
	if err != nil {
		stop()
		log.Fatalf("job definitions: %v", err)
	}
	logger.Info("job definitions loaded", "count", len(defs))

	metrics.Register()

	store := postgres.NewWorkplanRepository(pool)
	eng := engine.New(store)
	r := runner.New(eng, defs, time.Duration(cfg.RunnerPollIntervalSec)*time.Second, logger)

	go func() {
		if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("runner stopped", "error", err)
		}
	}()

	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
}
