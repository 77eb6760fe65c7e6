package queueworker

import (
	"context"
	"sync"
	"time"

	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

const (
	retrySchedulerPollInterval = 1 * time.Second
	retrySchedulerLockTTL      = 5 * time.Second
)

// retryScheduler polls a tasks location for backoff-delayed tasks whose
// wait has elapsed and promotes them back to their spec's startState. It
// is the promoter half of RetryBackoffConfig: handleReject parks a
// rejected task in retryScheduledState instead of returning it to
// startState immediately, and this loop is what eventually moves it on.
//
// Multiple worker processes serving the same queue each run one of
// these; a SetNX-guarded lock keeps only one of them doing the work on
// any given poll.
type retryScheduler struct {
	client   *rtdb.Client
	tasksRef rtdb.Ref
	spec     *taskqueue.TaskSpec
	lockKey  string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newRetryScheduler(client *rtdb.Client, tasksRef rtdb.Ref, spec *taskqueue.TaskSpec) *retryScheduler {
	return &retryScheduler{
		client:   client,
		tasksRef: tasksRef,
		spec:     spec,
		lockKey:  tasksRef.Path() + "\x00__retry_scheduler_lock",
		stopCh:   make(chan struct{}),
	}
}

func (s *retryScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *retryScheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *retryScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(retrySchedulerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.promoteDue(ctx)
		}
	}
}

func (s *retryScheduler) promoteDue(ctx context.Context) {
	locked, err := s.client.Raw().SetNX(ctx, s.lockKey, "1", retrySchedulerLockTTL).Result()
	if err != nil || !locked {
		return
	}
	defer s.client.Raw().Del(ctx, s.lockKey)

	startState := *s.spec.StartState
	candidates, err := s.tasksRef.OrderByChild("_state").EqualTo(retryScheduledState).Once(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("retryscheduler: failed to query backoff-parked tasks")
		return
	}
	if len(candidates) == 0 {
		return
	}

	now, err := s.client.ServerNow(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("retryscheduler: failed to read server time")
		return
	}
	nowMillis := now.UnixMilli()

	for _, snap := range candidates {
		m, isMap := snap.Value.(map[string]interface{})
		if !isMap {
			continue
		}
		target, _ := m["_retry_target_state"].(string)
		if target != startState {
			continue
		}
		notBefore, ok := asMillis(m["_retry_not_before"])
		if !ok || notBefore > nowMillis {
			continue
		}
		s.promote(ctx, snap.Key, startState)
	}
}

func (s *retryScheduler) promote(ctx context.Context, taskID, startState string) {
	ref := s.tasksRef.Child(taskID)
	_, _, err := s.client.Transaction(ctx, ref, func(current interface{}) (map[string]interface{}, error) {
		m, isMap := current.(map[string]interface{})
		if !isMap {
			return nil, rtdb.ErrAbort
		}
		if state, _ := m["_state"].(string); state != retryScheduledState {
			return nil, rtdb.ErrAbort
		}
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		out["_state"] = startState
		out["_retry_target_state"] = nil
		out["_retry_not_before"] = nil
		return out, nil
	})
	if err != nil {
		logger.Error().Err(err).Str("task_id", taskID).Msg("retryscheduler: failed to promote task")
	}
}

func asMillis(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
