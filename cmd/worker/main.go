package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightloop/taskqueue-go/internal/config"
	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
	"github.com/brightloop/taskqueue-go/internal/worker"
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
	log.Info().Msg("Starting worker...")

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
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to reach Redis")
	}

	client := rtdb.NewClient(rdb)

	pools, err := startPools(ctx, cfg, client, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pools")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	for name, pool := range pools {
		if err := pool.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Str("queue", name).Msg("worker pool shutdown error")
		}
	}

	log.Info().Msg("Worker stopped")
}

// startPools builds one worker.Pool per configured queue, each running
// cfg.Worker.Concurrency QueueWorker instances against that queue's
// tasks location, dispatching claimed tasks by their "type" field to the
// example handlers registered below.
func startPools(ctx context.Context, cfg *config.Config, client *rtdb.Client, rdb *redis.Client) (map[string]*worker.Pool, error) {
	executor := worker.NewExecutor(map[string]worker.TaskHandler{
		"echo":    echoHandler,
		"sleep":   sleepHandler,
		"compute": computeHandler,
		"fail":    failHandler,
	})

	pools := make(map[string]*worker.Pool, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		spec, ok := taskqueue.ParseTaskSpec(qc.AsTaskSpecMap())
		if !ok {
			return nil, fmt.Errorf("queue %q: invalid task spec", name)
		}

		tasksRef := client.Ref(tasksRootPath + "/" + name)
		pool, err := worker.NewPool(&cfg.Worker, client, rdb, name, tasksRef, spec, qc.RetryBackoff.AsQueueWorkerBackoff(), executor.ProcessingFunc())
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
		if err := pool.Start(ctx); err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
		pools[name] = pool
	}
	return pools, nil
}

// Example task handlers, registered against every configured queue.

func echoHandler(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
	logger.Info().Interface("payload", data).Msg("echo handler processing task")
	return taskqueue.Record{"echoed": data}, nil
}

func sleepHandler(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
	duration := 1 * time.Second
	if d, ok := data["duration"].(float64); ok {
		duration = time.Duration(d) * time.Millisecond
	}

	logger.Info().Dur("duration", duration).Msg("sleep handler processing task")

	select {
	case <-time.After(duration):
		return taskqueue.Record{"slept_for": duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func computeHandler(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
	iterations := 1000000
	if n, ok := data["iterations"].(float64); ok {
		iterations = int(n)
	}

	logger.Info().Int("iterations", iterations).Msg("compute handler processing task")

	sum := 0
	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			sum += i
		}
	}
	return taskqueue.Record{"result": sum}, nil
}

func failHandler(ctx context.Context, data taskqueue.Record) (taskqueue.Record, error) {
	logger.Info().Msg("fail handler processing task")
	return nil, fmt.Errorf("intentional failure for testing")
}
