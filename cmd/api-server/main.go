package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightloop/taskqueue-go/internal/api"
	"github.com/brightloop/taskqueue-go/internal/api/handlers"
	"github.com/brightloop/taskqueue-go/internal/config"
	"github.com/brightloop/taskqueue-go/internal/events"
	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

const tasksRootPath = "tasks"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting API server...")

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis connection")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to reach Redis")
	}

	client := rtdb.NewClient(rdb)

	queues, err := bindQueues(cfg, client)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to bind configured queues")
	}

	publisher := events.NewRedisPubSub(rdb)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close event publisher")
		}
	}()

	server := api.NewServer(cfg, rdb, queues, publisher)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.Start(ctx)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server stopped")
}

// bindQueues resolves every configured queue's TaskSpec and tasks
// location into the binding the HTTP handlers need to submit, inspect,
// and requeue tasks without depending on any running QueueWorker.
func bindQueues(cfg *config.Config, client *rtdb.Client) (map[string]handlers.QueueBinding, error) {
	queues := make(map[string]handlers.QueueBinding, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		spec, ok := taskqueue.ParseTaskSpec(qc.AsTaskSpecMap())
		if !ok {
			return nil, fmt.Errorf("queue %q: invalid task spec", name)
		}
		queues[name] = handlers.QueueBinding{
			TasksRef: client.Ref(tasksRootPath + "/" + name),
			Spec:     spec,
		}
	}
	return queues, nil
}
