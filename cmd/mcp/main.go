package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/grc-retrieval/internal/adapters/mcp"
	"github.com/kirillkom/grc-retrieval/internal/bootstrap"
	"github.com/kirillkom/grc-retrieval/internal/config"
	"github.com/kirillkom/grc-retrieval/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	// stdout carries the protocol, so logs go to stderr.
	logger := logging.New(os.Stderr, "mcp", cfg.LogLevel)
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	server := mcpadapter.NewServer(app.SearchUC, app.RAGUC, app.IndexingUC, logger)
	if err := server.ServeStdio(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
	}
}
