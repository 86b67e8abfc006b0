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
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/app"
	"github.com/suPer8Hu/tomodachi-api/internal/chat"
	"github.com/suPer8Hu/tomodachi-api/internal/config"
	"github.com/suPer8Hu/tomodachi-api/internal/elevenlabs"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi"
	"github.com/suPer8Hu/tomodachi-api/internal/httpapi/handlers"
	"github.com/suPer8Hu/tomodachi-api/internal/metrics"
	"github.com/suPer8Hu/tomodachi-api/internal/users"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	app.InitLogger("api")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer core.Close()

	platform := elevenlabs.NewClient(cfg.ElevenLabsBaseURL, cfg.ElevenLabsAPIKey)
	h := &handlers.Handler{
		Users:     users.NewService(core.Users, cfg.JWTSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.SignupCredits),
		Agents:    agent.NewService(core.DB, core.Agents, core.Users, platform, core.Events, cfg.AgentCreationCost),
		AgentRepo: core.Agents,
		Chat:      chat.NewService(core.DB, core.Chat, core.Agents, core.Queue, core.Events, core.JobOptions(), core.Metrics),
		Voices:    platform,
	}
	router := httpapi.NewRouter(h, httpapi.Options{
		JWTSecret:   cfg.JWTSecret,
		CORSOrigins: cfg.CORSOrigins,
		Hub:         core.Hub,
		Metrics:     metrics.Handler(core.Registry),
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Serve(gctx, srv) })
	g.Go(func() error { return core.RunRelay(gctx) })
	g.Go(func() error { return core.Queue.Watch(gctx) })
	if cfg.Embedded() {
		// the memory queue only exists in this process
		g.Go(func() error { return core.RunWorker(gctx) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
