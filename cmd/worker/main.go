package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/tomodachi-api/internal/app"
	"github.com/suPer8Hu/tomodachi-api/internal/config"
	"github.com/suPer8Hu/tomodachi-api/internal/metrics"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	app.InitLogger("worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}
	if cfg.Embedded() {
		slog.Error("QUEUE_DRIVER=memory runs the worker inside the API server; nothing to do here")
		os.Exit(1)
	}
	if cfg.EventBus != "redis" {
		slog.Warn("EVENT_BUS is not redis; websocket clients of the API will not see worker events")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer core.Close()

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(core.Registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Serve(gctx, srv) })
	g.Go(func() error { return core.RunWorker(gctx) })
	g.Go(func() error { return core.Queue.Watch(gctx) })

	if err := g.Wait(); err != nil {
		slog.Error("worker stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("worker shutting down")
}
