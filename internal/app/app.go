// Package app wires the shared pieces of the API server and the worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tomodachi-api/internal/agent"
	"github.com/suPer8Hu/tomodachi-api/internal/ai"
	"github.com/suPer8Hu/tomodachi-api/internal/chat"
	"github.com/suPer8Hu/tomodachi-api/internal/config"
	"github.com/suPer8Hu/tomodachi-api/internal/db"
	"github.com/suPer8Hu/tomodachi-api/internal/metrics"
	"github.com/suPer8Hu/tomodachi-api/internal/queue"
	"github.com/suPer8Hu/tomodachi-api/internal/realtime"
	"github.com/suPer8Hu/tomodachi-api/internal/users"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Queue is a job queue driver.
type Queue interface {
	queue.Producer
	queue.Consumer
	// Watch returns an error once the driver can no longer deliver jobs.
	Watch(ctx context.Context) error
	Close() error
}

// Core holds the connections and repos both binaries need.
type Core struct {
	Cfg      config.Config
	DB       *gorm.DB
	Redis    *redis.Client
	Queue    Queue
	Hub      *realtime.Hub
	Events   *realtime.Publisher
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder

	Users  *users.Repo
	Agents *agent.Repo
	Chat   *chat.Repo
}

// InitLogger installs the JSON slog handler as the process default.
func InitLogger(service string) {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h).With("service", service))
}

func Bootstrap(ctx context.Context, cfg config.Config) (*Core, error) {
	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb, &users.User{}, &agent.Agent{}, &chat.Message{}, &chat.JobRecord{}); err != nil {
		return nil, err
	}

	c := &Core{
		Cfg:      cfg,
		DB:       gdb,
		Hub:      realtime.NewHub(),
		Registry: prometheus.NewRegistry(),
		Users:    users.NewRepo(gdb),
		Agents:   agent.NewRepo(gdb),
		Chat:     chat.NewRepo(gdb),
	}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.New(c.Registry)
	metrics.WatchSubscribers(c.Registry, c.Hub.Subscribers)

	var bus realtime.Broadcaster = c.Hub
	if cfg.EventBus == "redis" {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Redis.Ping(pctx).Err(); err != nil {
			c.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		bus = realtime.NewRedisBroadcaster(c.Redis)
	}
	c.Events = realtime.NewPublisher(bus, c.Metrics)

	switch cfg.QueueDriver {
	case "memory":
		c.Queue = queue.NewMemory()
	default:
		q, err := queue.DialRabbit(cfg.RabbitURL, cfg.RabbitQueue, cfg.FailedJobAge)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("rabbitmq: %w", err)
		}
		c.Queue = q
	}

	slog.Info("core ready", "db", cfg.DBDriver, "queue", cfg.QueueDriver, "event_bus", cfg.EventBus)
	return c, nil
}

// JobOptions are the enqueue options for process-message jobs.
func (c *Core) JobOptions() queue.Options {
	return queue.Options{
		Delay:            c.Cfg.MessageDelay,
		Attempts:         c.Cfg.JobAttempts,
		Backoff:          c.Cfg.JobBackoff,
		RemoveOnComplete: c.completed(),
		RemoveOnFail:     c.failed(),
	}
}

func (c *Core) completed() queue.Retention {
	return queue.Retention{Age: c.Cfg.CompletedJobAge, Count: c.Cfg.CompletedJobCount}
}

func (c *Core) failed() queue.Retention {
	return queue.Retention{Age: c.Cfg.FailedJobAge}
}

// RunRelay copies redis events into the local hub. Without redis it just waits.
func (c *Core) RunRelay(ctx context.Context) error {
	if c.Redis == nil {
		<-ctx.Done()
		return nil
	}
	return realtime.NewRedisRelay(c.Redis, c.Hub).Run(ctx)
}

// RunWorker consumes process-message jobs and runs the janitor until ctx is done.
func (c *Core) RunWorker(ctx context.Context) error {
	reg := ai.DefaultRegistry(ai.Settings{
		OpenAIAPIKey:      c.Cfg.OpenAIAPIKey,
		OpenAIBaseURL:     c.Cfg.OpenAIBaseURL,
		OllamaBaseURL:     c.Cfg.OllamaBaseURL,
		OpenRouterBaseURL: c.Cfg.OpenRouterBaseURL,
		OpenRouterAPIKey:  c.Cfg.OpenRouterAPIKey,
		OpenRouterSiteURL: c.Cfg.OpenRouterSiteURL,
		OpenRouterAppName: c.Cfg.OpenRouterAppName,
	})
	provider, err := reg.Get(ctx, c.Cfg.AIProvider, c.Cfg.CompletionModel)
	if err != nil {
		return err
	}

	pipeline := chat.NewPipeline(c.Chat, c.Agents, provider, c.Events, c.Users, c.Metrics, chat.PipelineConfig{
		Model:             c.Cfg.CompletionModel,
		ContextWindow:     c.Cfg.ChatContextWindowSize,
		ThinkingDelay:     c.Cfg.ThinkingDelay,
		CompletionTimeout: c.Cfg.CompletionTimeout,
		ReplyCost:         c.Cfg.ReplyCreditCost,
	})
	janitor := chat.NewJanitor(c.Agents, c.Chat, c.Events, chat.JanitorConfig{
		StaleAfter: c.Cfg.StuckAgentAfter,
		Interval:   c.Cfg.JanitorInterval,
		Completed:  c.completed(),
		Failed:     c.failed(),
	})

	slog.Info("worker started",
		"job", chat.JobProcessMessage,
		"concurrency", c.Cfg.WorkerConcurrency,
		"provider", c.Cfg.AIProvider,
		"model", c.Cfg.CompletionModel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Queue.Consume(gctx, chat.JobProcessMessage, pipeline.Handle, queue.ConsumeOptions{Concurrency: c.Cfg.WorkerConcurrency})
	})
	g.Go(func() error { return janitor.Run(gctx) })
	return g.Wait()
}

// Serve runs srv until ctx is done, then drains it.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (c *Core) Close() {
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			slog.Warn("queue close", "err", err)
		}
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if sqlDB, err := c.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
