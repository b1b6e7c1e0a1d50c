package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/grc-retrieval/internal/bootstrap"
	"github.com/kirillkom/grc-retrieval/internal/config"
	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/scheduler"
	"github.com/kirillkom/grc-retrieval/internal/observability/logging"
	"github.com/kirillkom/grc-retrieval/internal/observability/metrics"
)

const changeTimeout = 5 * time.Minute

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Metrics:    workerMetrics.PipelineMetrics,
		ConnectBus: true,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	sweeps := scheduler.NewSweepScheduler(app.IndexingUC, workerMetrics, cfg.IndexingSweepTimeout, logger)
	if err := sweeps.Start(ctx, cfg.IndexingSweepInterval); err != nil {
		logger.Error("sweep_scheduler_failed", "error", err)
		os.Exit(1)
	}
	defer sweeps.Stop()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "queue_group", cfg.NATSQueueGroup)
	err = app.Bus.SubscribeRecordChanges(ctx, func(handlerCtx context.Context, change domain.RecordChange) error {
		processCtx, cancel := context.WithTimeout(handlerCtx, changeTimeout)
		defer cancel()

		workerMetrics.StartChange()
		started := time.Now()
		result := app.IndexingUC.HandleDataChange(processCtx, change)

		var changeErr error
		if !result.Success {
			changeErr = errors.New(result.Error)
		}
		workerMetrics.FinishChange(change.Namespace, time.Since(started), changeErr)
		return changeErr
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
	}
}
