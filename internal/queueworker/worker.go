// Package queueworker implements a single worker's runtime over an
// internal/taskqueue TaskSpec: it listens for eligible tasks, claims and
// processes them, reaps abandoned ones, and shuts down cleanly.
package queueworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brightloop/taskqueue-go/internal/logger"
	"github.com/brightloop/taskqueue-go/internal/metrics"
	"github.com/brightloop/taskqueue-go/internal/rtdb"
	"github.com/brightloop/taskqueue-go/internal/taskqueue"
)

// ProcessingFunc is the user-supplied handler for claimed tasks. It must
// call resolve or reject at most meaningfully once; further calls, and
// any call made after the worker has moved on to a new task, are no-ops.
// A synchronous panic is recovered and treated as a reject.
type ProcessingFunc func(ctx context.Context, data taskqueue.Record, h *Handle)

// Handle is passed to a ProcessingFunc for it to report progress and
// outcome. Every method is safe to call from the goroutine running the
// ProcessingFunc and is a no-op once the worker has invalidated it.
type Handle struct {
	w          *QueueWorker
	taskNumber uint64
}

// Progress reports a new progress value in [0, 100]. It returns an error
// describing why the update could not be applied; callers that don't
// care about that error may safely ignore it, matching the thenable
// that only ever needs to be awaited for completion.
func (h *Handle) Progress(ctx context.Context, p int) error {
	return h.w.handleProgress(ctx, h.taskNumber, p)
}

// Resolve advances the claimed task to completion. newTask, if non-nil,
// is merged over the task's fields; a "_new_state" key inside it is
// consumed and interpreted (see taskqueue.TaskWorker.ResolveWith).
func (h *Handle) Resolve(ctx context.Context, newTask taskqueue.Record) {
	h.w.handleResolve(ctx, h.taskNumber, newTask)
}

// Reject routes the claimed task back to startState, or to errorState
// once retries are exhausted.
func (h *Handle) Reject(ctx context.Context, err error) {
	h.w.handleReject(ctx, h.taskNumber, err)
}

// Construction error messages, matched verbatim against the source
// system's constructor so callers porting scripts see identical text.
var (
	ErrNoTasksRef        = errors.New("No tasks reference provided.")
	ErrInvalidProcessID  = errors.New("Invalid process ID provided.")
	ErrInvalidSanitize   = errors.New("Invalid sanitize option.")
	ErrInvalidSuppress   = errors.New("Invalid suppressStack option.")
	ErrNoProcessingFunc  = errors.New("No processing function provided.")
)

// Options configures a QueueWorker beyond its required arguments.
type Options struct {
	Sanitize      bool
	SuppressStack bool

	// RetryBackoff, when set, delays a rejected task's return to
	// startState by an exponential, jittered interval instead of making
	// it eligible again on the very next poll. It has no effect on a
	// spec whose StartState is nil.
	RetryBackoff *RetryBackoffConfig
}

// QueueWorker is one worker's runtime driving a tasks location through a
// TaskSpec's pipeline stage. All exported methods are safe to call
// concurrently; state.mu serializes the process-local bookkeeping
// (taskNumber, busy, currentTaskRef, expiryTimeouts) that the source
// system assumes a single cooperative thread would own, since Go
// schedules goroutines preemptively.
type QueueWorker struct {
	client    *rtdb.Client
	tasksRef  rtdb.Ref
	processID string
	opts      Options
	fn        ProcessingFunc

	mu             sync.Mutex
	taskNumber     uint64
	busy           bool
	currentTaskRef *rtdb.Ref
	worker         *taskqueue.TaskWorker // bound to current spec + owner
	spec           *taskqueue.TaskSpec

	cancelListen context.CancelFunc
	expiry       map[string]*expiryTimer
	retryJob     *retryScheduler

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	inFlight     sync.WaitGroup
}

type expiryTimer struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

// New constructs a QueueWorker against tasksRef. processID identifies
// this worker process; combined with an internal monotonic counter it
// forms the owner token "<processID>:<taskNumber>" recorded on claimed
// tasks. fn is invoked once per successfully claimed task.
func New(client *rtdb.Client, tasksRef rtdb.Ref, processID string, opts Options, fn ProcessingFunc) (*QueueWorker, error) {
	if client == nil {
		return nil, ErrNoTasksRef
	}
	if processID == "" {
		return nil, ErrInvalidProcessID
	}
	if fn == nil {
		return nil, ErrNoProcessingFunc
	}

	w := &QueueWorker{
		client:     client,
		tasksRef:   tasksRef,
		processID:  processID,
		opts:       opts,
		fn:         fn,
		expiry:     make(map[string]*expiryTimer),
		shutdownCh: make(chan struct{}),
	}
	return w, nil
}

func (w *QueueWorker) ownerToken(taskNumber uint64) string {
	return fmt.Sprintf("%s:%d", w.processID, taskNumber)
}

// SetTaskSpec installs spec as the worker's current pipeline stage, or
// tears down listening entirely when spec is nil. A non-nil spec is
// installed as given, without validation; ParseTaskSpec is where a raw
// spec is validated, and it yields nil for an invalid one. It always
// invalidates in-flight callbacks by bumping the task number, matching
// the source semantics where a spec change (valid or not) discards
// whatever the worker was doing.
func (w *QueueWorker) SetTaskSpec(ctx context.Context, spec *taskqueue.TaskSpec) {
	w.mu.Lock()
	w.taskNumber++
	w.busy = false
	w.currentTaskRef = nil
	w.stopListeningLocked()
	if w.retryJob != nil {
		w.retryJob.Stop()
		w.retryJob = nil
	}

	if spec == nil {
		w.spec = nil
		w.worker = nil
		w.mu.Unlock()
		return
	}

	w.spec = spec
	w.worker = taskqueue.NewTaskWorker(w.ownerToken(w.taskNumber), spec)
	worker := w.worker
	w.mu.Unlock()

	listenCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelListen = cancel
	w.mu.Unlock()

	go w.watchNextCandidate(listenCtx, worker)
	if spec.Timeout != nil {
		go w.watchInProgress(listenCtx, worker)
	}
	if w.opts.RetryBackoff != nil && spec.StartState != nil {
		job := newRetryScheduler(w.client, w.tasksRef, spec)
		w.mu.Lock()
		w.retryJob = job
		w.mu.Unlock()
		job.Start(listenCtx)
	}
}

// stopListeningLocked cancels the active listeners and clears all armed
// expiry timers. Callers must hold w.mu.
func (w *QueueWorker) stopListeningLocked() {
	if w.cancelListen != nil {
		w.cancelListen()
		w.cancelListen = nil
	}
	for id, et := range w.expiry {
		et.timer.Stop()
		delete(w.expiry, id)
	}
}

// watchNextCandidate listens for newly eligible tasks and attempts to
// claim each one, backpressured by the busy flag.
func (w *QueueWorker) watchNextCandidate(ctx context.Context, worker *taskqueue.TaskWorker) {
	q := worker.GetNextFrom(w.tasksRef)
	events, err := w.client.Listen(ctx, q, defaultPollInterval)
	if err != nil {
		logger.Error().Err(err).Str("process_id", w.processID).Msg("queueworker: failed to listen for candidate tasks")
		return
	}
	for ev := range events {
		if ev.Type != rtdb.ChildAdded && ev.Type != rtdb.ChildChanged {
			continue
		}
		w.tryToProcess(ctx)
	}
}

const defaultPollInterval = 2 * time.Second

// tryToProcess attempts to claim the next candidate task. It is a no-op
// if the worker is already busy.
func (w *QueueWorker) tryToProcess(ctx context.Context) {
	w.mu.Lock()
	if w.busy || w.worker == nil {
		w.mu.Unlock()
		return
	}
	worker := w.worker
	currentTaskNumber := w.taskNumber
	w.mu.Unlock()

	q := worker.GetNextFrom(w.tasksRef)
	candidates, err := q.Once(ctx)
	if err != nil || len(candidates) == 0 {
		return
	}
	candidate := candidates[0]
	taskRef := w.tasksRef.Child(candidate.Key)

	committed, ok, err := w.client.Transaction(ctx, taskRef, worker.ClaimFor(func() string {
		return w.ownerToken(currentTaskNumber)
	}))
	if err != nil || !ok || committed == nil {
		return
	}

	if taskqueue.IsInErrorState(committed, worker.Spec()) {
		// Malformed-task quarantine: nothing to process, wait for the
		// next candidate.
		return
	}
	state, _ := committed["_state"].(string)
	owner, _ := committed["_owner"].(string)
	if state != worker.Spec().InProgressState || owner != w.ownerToken(currentTaskNumber) {
		return
	}

	w.mu.Lock()
	if currentTaskNumber != w.taskNumber {
		// Spec changed or task invalidated while we were claiming; the
		// commit above still happened and will be reaped/reclaimed
		// normally, but this worker has moved on.
		w.mu.Unlock()
		return
	}
	w.busy = true
	ref := taskRef
	w.currentTaskRef = &ref
	taskWorker := worker.CloneWithOwner(w.ownerToken(currentTaskNumber))
	w.mu.Unlock()

	metrics.RecordTaskClaimed(worker.Spec().InProgressState)

	w.inFlight.Add(1)
	// The processing function runs detached from the listener context:
	// a spec change or Shutdown cancels listening immediately, but per
	// spec must still await this call's resolve/reject rather than
	// cancel it.
	go w.runProcessingFunc(context.Background(), taskRef, taskWorker, committed, currentTaskNumber)
}

func (w *QueueWorker) runProcessingFunc(ctx context.Context, taskRef rtdb.Ref, taskWorker *taskqueue.TaskWorker, task taskqueue.Record, taskNumber uint64) {
	defer w.inFlight.Done()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchOwnerChange(watchCtx, taskWorker.GetOwnerRef(taskRef), taskNumber)

	data := task
	if w.opts.Sanitize {
		data = taskqueue.Sanitize(task)
	} else {
		data = cloneWithID(task, taskRef.Key())
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%v", r)
			w.handleReject(ctx, taskNumber, err)
		}
	}()

	w.fn(ctx, data, &Handle{w: w, taskNumber: taskNumber})
}

func cloneWithID(task taskqueue.Record, id string) taskqueue.Record {
	out := make(taskqueue.Record, len(task)+1)
	for k, v := range task {
		out[k] = v
	}
	out["_id"] = id
	return out
}

// watchOwnerChange observes taskRef for an externally-driven ownership
// change (the reaper reset it, or another worker stole it) and, on
// observing one, invalidates this worker's in-flight claim.
func (w *QueueWorker) watchOwnerChange(ctx context.Context, taskRef rtdb.Ref, taskNumber uint64) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := taskRef.Get(ctx)
			if err != nil {
				continue
			}
			m, ok := v.(taskqueue.Record)
			if !ok {
				w.invalidateIfCurrent(taskNumber)
				return
			}
			owner, _ := m["_owner"].(string)
			w.mu.Lock()
			expected := w.ownerToken(taskNumber)
			w.mu.Unlock()
			if owner != expected {
				w.invalidateIfCurrent(taskNumber)
				return
			}
		}
	}
}

func (w *QueueWorker) invalidateIfCurrent(taskNumber uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.taskNumber == taskNumber {
		w.taskNumber++
		w.busy = false
		w.currentTaskRef = nil
	}
}

func (w *QueueWorker) isStale(taskNumber uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return taskNumber != w.taskNumber
}

func (w *QueueWorker) handleProgress(ctx context.Context, taskNumber uint64, p int) error {
	if p < 0 || p > 100 {
		return errors.New("Invalid progress")
	}
	if w.isStale(taskNumber) {
		return errors.New("Can't update progress - no task currently being processed")
	}

	w.mu.Lock()
	worker := w.worker
	taskRef := w.currentTaskRef
	w.mu.Unlock()
	if taskRef == nil || worker == nil {
		return errors.New("Can't update progress - no task currently being processed")
	}

	_, ok, err := w.client.Transaction(ctx, *taskRef, worker.CloneWithOwner(w.ownerToken(taskNumber)).UpdateProgressWith(p))
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("Can't update progress - current task no longer owned by this process")
	}
	return nil
}

func (w *QueueWorker) handleResolve(ctx context.Context, taskNumber uint64, newTask taskqueue.Record) {
	if w.isStale(taskNumber) {
		return
	}
	w.mu.Lock()
	worker := w.worker
	taskRef := w.currentTaskRef
	w.mu.Unlock()
	if taskRef == nil || worker == nil {
		return
	}

	_, _, err := w.client.Transaction(ctx, *taskRef, worker.CloneWithOwner(w.ownerToken(taskNumber)).ResolveWith(newTask))
	if err != nil {
		logger.Error().Err(err).Str("process_id", w.processID).Msg("queueworker: resolve transaction failed")
	} else {
		metrics.RecordTaskResolved(worker.Spec().InProgressState)
	}
	w.finishTask(taskNumber)
}

func (w *QueueWorker) handleReject(ctx context.Context, taskNumber uint64, cause error) {
	if w.isStale(taskNumber) {
		return
	}
	w.mu.Lock()
	worker := w.worker
	taskRef := w.currentTaskRef
	suppressStack := w.opts.SuppressStack
	backoff := w.opts.RetryBackoff
	w.mu.Unlock()
	if taskRef == nil || worker == nil {
		return
	}

	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	var stack *string
	if !suppressStack && cause != nil {
		// The source system records a captured stack trace on native
		// errors; Go has no equivalent automatic unwind to surface
		// here, so stack is left unset rather than synthesized.
		stack = nil
	}

	fn := worker.CloneWithOwner(w.ownerToken(taskNumber)).RejectWith(msg, stack)
	if backoff != nil && worker.Spec().StartState != nil {
		fn = w.delayedRejectWith(fn, *worker.Spec().StartState, *backoff)
	}

	_, _, err := w.client.Transaction(ctx, *taskRef, fn)
	if err != nil {
		logger.Error().Err(err).Str("process_id", w.processID).Msg("queueworker: reject transaction failed")
	} else {
		metrics.RecordTaskRejected(worker.Spec().InProgressState)
	}
	w.finishTask(taskNumber)
}

// delayedRejectWith wraps a RejectWith transaction so that a retry
// routed back to startState is instead parked in retryScheduledState
// with a _retry_not_before deadline; a rejection that instead exhausted
// retries into errorState passes through unchanged. The retryScheduler
// started alongside this worker's spec is what later promotes it.
func (w *QueueWorker) delayedRejectWith(inner rtdb.TransactionFunc, startState string, backoff RetryBackoffConfig) rtdb.TransactionFunc {
	return func(current interface{}) (map[string]interface{}, error) {
		next, err := inner(current)
		if err != nil || next == nil {
			return next, err
		}
		if state, _ := next["_state"].(string); state != startState {
			return next, nil
		}

		attempts := 1
		if details, ok := next["_error_details"].(map[string]interface{}); ok {
			if n, ok := details["attempts"].(int); ok {
				attempts = n
			}
		}

		now, err := w.client.ServerNow(context.Background())
		if err != nil {
			return next, err
		}
		delay := backoff.calculateDelay(attempts)

		next["_state"] = retryScheduledState
		next["_retry_target_state"] = startState
		next["_retry_not_before"] = now.Add(delay).UnixMilli()
		return next, nil
	}
}

func (w *QueueWorker) finishTask(taskNumber uint64) {
	w.mu.Lock()
	if w.taskNumber == taskNumber {
		w.taskNumber++
		w.busy = false
		w.currentTaskRef = nil
	}
	ctx := context.Background()
	w.mu.Unlock()
	w.tryToProcess(ctx)
}

// watchInProgress tracks every in-progress task under this worker's
// spec, arming and re-arming a per-task expiry timer so an abandoned
// task is eventually reaped.
func (w *QueueWorker) watchInProgress(ctx context.Context, worker *taskqueue.TaskWorker) {
	q := worker.GetInProgressFrom(w.tasksRef)
	events, err := w.client.Listen(ctx, q, defaultPollInterval)
	if err != nil {
		logger.Error().Err(err).Msg("queueworker: failed to listen for in-progress tasks")
		return
	}
	for ev := range events {
		switch ev.Type {
		case rtdb.ChildAdded, rtdb.ChildChanged:
			m, ok := ev.Value.(taskqueue.Record)
			if !ok {
				continue
			}
			w.armExpiry(ctx, worker, ev.Key, m)
		case rtdb.ChildRemoved:
			w.cancelExpiry(ev.Key)
		}
	}
}

func (w *QueueWorker) armExpiry(ctx context.Context, worker *taskqueue.TaskWorker, id string, task taskqueue.Record) {
	if worker.Spec().Timeout == nil {
		return
	}
	w.cancelExpiry(id)

	changed, _ := task["_state_changed"].(float64)
	now, err := w.client.ServerNow(ctx)
	if err != nil {
		now = time.Now()
	}
	elapsed := now.UnixMilli() - int64(changed)
	remaining := *worker.Spec().Timeout - time.Duration(elapsed)*time.Millisecond
	if remaining < 0 {
		remaining = 0
	}

	timerCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(remaining, func() {
		defer cancel()
		w.reapTask(timerCtx, worker, id)
	})

	w.mu.Lock()
	w.expiry[id] = &expiryTimer{timer: timer, cancel: cancel}
	w.mu.Unlock()
}

func (w *QueueWorker) cancelExpiry(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if et, ok := w.expiry[id]; ok {
		et.timer.Stop()
		et.cancel()
		delete(w.expiry, id)
	}
}

func (w *QueueWorker) reapTask(ctx context.Context, worker *taskqueue.TaskWorker, id string) {
	taskRef := w.tasksRef.Child(id)
	now, err := w.client.ServerNow(ctx)
	if err != nil {
		now = time.Now()
	}
	_, ok, err := w.client.Transaction(ctx, taskRef, worker.ResetIfTimedOut(now))
	if err != nil {
		logger.Error().Err(err).Str("task_id", id).Msg("queueworker: reaper transaction failed")
		return
	}
	if ok {
		metrics.RecordTaskReaped(worker.Spec().InProgressState)
	}
	w.cancelExpiry(id)
}

// Shutdown tears down all listeners and expiry timers and waits for any
// in-flight processing function to finish calling resolve or reject. It
// is idempotent: every call, concurrent or repeated, observes the same
// completion.
func (w *QueueWorker) Shutdown(ctx context.Context) {
	w.shutdownOnce.Do(func() {
		w.SetTaskSpec(ctx, nil)
		go func() {
			w.inFlight.Wait()
			close(w.shutdownCh)
		}()
	})
	<-w.shutdownCh
}
