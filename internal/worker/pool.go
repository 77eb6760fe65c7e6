package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/brightloop/taskqueue-go/internal/config"
	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/queueworker"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

// Pool runs cfg.Concurrency QueueWorker instances against one queue's
// tasks location, each its own process identity and each claiming at
// most one task at a time, so together they give that queue horizontal
// concurrency. A Pool registers one Heartbeat per instance and honors
// admin-API pause/resume per instance.
type Pool struct {
	id       string
	queue    string
	client   *rtdb.Client
	redis    *redis.Client
	tasksRef rtdb.Ref
	spec     *taskqueue.TaskSpec
	cfg      *config.WorkerConfig

	workers    []*queueworker.QueueWorker
	heartbeats []*Heartbeat
	stopCh     chan struct{}
}

// NewPool creates a worker pool of cfg.Concurrency QueueWorker instances
// serving queue over tasksRef, dispatching claimed tasks to fn. backoff
// is nil unless the queue's configuration enables retry backoff.
func NewPool(cfg *config.WorkerConfig, client *rtdb.Client, redisClient *redis.Client, queue string, tasksRef rtdb.Ref, spec *taskqueue.TaskSpec, backoff *queueworker.RetryBackoffConfig, fn queueworker.ProcessingFunc) (*Pool, error) {
	poolID := cfg.ID
	if poolID == "" {
		poolID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}

	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	p := &Pool{
		id:       poolID,
		queue:    queue,
		client:   client,
		redis:    redisClient,
		tasksRef: tasksRef,
		spec:     spec,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < concurrency; i++ {
		processID := fmt.Sprintf("%s-%d", poolID, i)
		qw, err := queueworker.New(client, tasksRef, processID, queueworker.Options{
			RetryBackoff: backoff,
		}, fn)
		if err != nil {
			return nil, fmt.Errorf("failed to build queue worker %d: %w", i, err)
		}
		p.workers = append(p.workers, qw)
		p.heartbeats = append(p.heartbeats, NewHeartbeat(redisClient, processID, queue, cfg.HeartbeatInterval, cfg.HeartbeatTimeout))
	}

	return p, nil
}

// Start installs the task spec on every instance and begins heartbeats
// and a pause-watcher loop per instance.
func (p *Pool) Start(ctx context.Context) error {
	for i, qw := range p.workers {
		qw.SetTaskSpec(ctx, p.spec)
		p.heartbeats[i].Start(ctx)
		go p.watchPause(ctx, p.workers[i], p.heartbeats[i])
	}

	logger.Info().
		Str("pool_id", p.id).
		Str("queue", p.queue).
		Int("concurrency", len(p.workers)).
		Msg("worker pool started")

	return nil
}

// Stop shuts every instance down, waiting for in-flight tasks to finish
// resolving or rejecting before the pool's shutdown timeout elapses.
func (p *Pool) Stop(ctx context.Context) error {
	close(p.stopCh)

	shutdownCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for _, qw := range p.workers {
			qw.Shutdown(shutdownCtx)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Str("pool_id", p.id).Msg("worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn().Str("pool_id", p.id).Msg("worker pool shutdown timed out")
	}

	for _, hb := range p.heartbeats {
		hb.Stop()
	}

	return nil
}

// ID returns the pool's unique identifier.
func (p *Pool) ID() string {
	return p.id
}

// watchPause polls the admin-set pause flag for one instance's process
// ID, keeping it paused (no new claims, existing heartbeat continues)
// for as long as the flag is set. QueueWorker has no native pause
// concept, so this is approximated by tearing down and reinstalling its
// spec. Tearing the spec down bumps the instance's task number, so a
// task in flight when the pause lands has its later Resolve/Reject
// ignored and stays in its in-progress state until the timeout reaper
// resets it.
func (p *Pool) watchPause(ctx context.Context, qw *queueworker.QueueWorker, hb *Heartbeat) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	paused := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			isPaused, err := IsWorkerPaused(ctx, p.redis, hb.workerID)
			if err != nil || isPaused == paused {
				continue
			}
			paused = isPaused
			if paused {
				hb.UpdateState("paused")
				qw.SetTaskSpec(ctx, nil)
			} else {
				hb.UpdateState("idle")
				qw.SetTaskSpec(ctx, p.spec)
			}
		}
	}
}
