// Package worker implements the Worker Runtime (spec.md §4.5): one Worker
// per pipeline, each holding a bounded FIFO queue and a semaphore of
// execution slots, dispatching to a handler under a cancellable context
// and routing failures through the Retry Controller.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alephauto/alephauto/internal/activity"
	"github.com/alephauto/alephauto/internal/domain"
	"github.com/alephauto/alephauto/internal/eventbus"
	"github.com/alephauto/alephauto/internal/logger"
	"github.com/alephauto/alephauto/internal/retry"
	"github.com/alephauto/alephauto/internal/store"
	"golang.org/x/sync/semaphore"
)

// Handler runs one job's business logic. It must observe ctx cancellation;
// abrupt termination is not supported (spec.md §5).
type Handler func(ctx context.Context, job domain.Job) (json.RawMessage, error)

type progressReporterKey struct{}

// ReportProgress lets a Handler report its own 0.0-1.0 completion fraction
// mid-run (spec.md §3 "progress... updated by handlers; last-write-wins").
// It is a no-op if ctx was not produced by a Worker's dispatch (e.g. in a
// handler unit test that doesn't care about progress reporting).
func ReportProgress(ctx context.Context, fraction float64) {
	if report, ok := ctx.Value(progressReporterKey{}).(func(float64)); ok {
		report(fraction)
	}
}

type gitMetaSetterKey struct{}

// setGitMeta lets the git-workflow hook (gitflow.go) hand the GitMeta it
// computed back to runJob, which persists it in the completion Patch.
// Mutating the job value passed to Handler has no path back to the
// caller, so this follows the same context-carried-callback shape as
// ReportProgress (spec.md §4.5.3 step 5 "persist git metadata").
func setGitMeta(ctx context.Context, meta *domain.GitMeta) {
	if set, ok := ctx.Value(gitMetaSetterKey{}).(func(*domain.GitMeta)); ok {
		set(meta)
	}
}

const defaultQueueCapacity = 256

// Config controls one Worker's behaviour.
type Config struct {
	PipelineID     string
	PipelineName   string
	MaxConcurrent  int64 // 0 is a valid, explicit "disabled" value — never defaulted away.
	QueueCapacity  int   // default 256
	HandlerTimeout time.Duration
	Retry          retry.Config
	Git            *GitConfig
}

type queuedJob struct {
	id      string
	payload json.RawMessage
}

// Worker is a per-pipeline execution runtime.
type Worker struct {
	cfg      Config
	store    *store.Store
	bus      *eventbus.Bus
	feed     *activity.Feed
	retryCtl *retry.Controller
	handler  Handler
	log      *logger.Logger

	queue chan queuedJob

	semMu     sync.RWMutex
	sem       *semaphore.Weighted
	resizeCh  chan struct{}

	wg     sync.WaitGroup // in-flight handler invocations
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{} // closed when the dispatch loop exits
}

// New constructs a Worker and starts its dispatch loop. parentCtx bounds
// the worker's entire lifetime; cancelling it (or calling Stop) begins
// shutdown.
func New(parentCtx context.Context, cfg Config, st *store.Store, bus *eventbus.Bus, feed *activity.Feed, handler Handler, log *logger.Logger) *Worker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(parentCtx)
	w := &Worker{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		feed:     feed,
		retryCtl: retry.New(cfg.Retry, bus, log),
		handler:  handler,
		log:      log.With("component", "Worker", "pipeline_id", cfg.PipelineID),
		queue:    make(chan queuedJob, cfg.QueueCapacity),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		resizeCh: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if cfg.Git != nil {
		w.handler = wrapGitWorkflow(*cfg.Git, handler, log)
	}
	go w.dispatchLoop()
	return w
}

// SetMaxConcurrent changes the slot count at runtime. Jobs already
// blocked waiting for a slot are woken so they retry against the new
// capacity (spec.md §8 property 2: "raising the value later dispatches
// them in FIFO order").
func (w *Worker) SetMaxConcurrent(n int64) {
	if n < 0 {
		n = 0
	}
	w.semMu.Lock()
	w.cfg.MaxConcurrent = n
	w.sem = semaphore.NewWeighted(n)
	old := w.resizeCh
	w.resizeCh = make(chan struct{})
	w.semMu.Unlock()
	close(old)
}

// Submit persists a new job in the queued state, publishes job:created,
// and enqueues it for dispatch (spec.md §4.5.1).
func (w *Worker) Submit(ctx context.Context, jobID string, payload json.RawMessage) error {
	job := domain.Job{
		ID:         jobID,
		PipelineID: w.cfg.PipelineID,
		Status:     domain.StatusQueued,
		CreatedAt:  time.Now().UTC(),
		Data:       payload,
	}
	if err := w.store.Insert(ctx, job); err != nil {
		return fmt.Errorf("submit %s: %w", jobID, err)
	}
	w.publish("job:created", job)
	w.record("job:created", job, "job queued", activity.SeverityInfo)

	select {
	case w.queue <- queuedJob{id: jobID, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *Worker) dispatchLoop() {
	defer close(w.done)
	for {
		select {
		case qj := <-w.queue:
			sem, err := w.acquireSlot(w.ctx)
			if err != nil {
				// Worker is shutting down; the job remains queued/persisted
				// for a future run.
				return
			}
			w.wg.Add(1)
			go w.runJob(qj, sem)
		case <-w.ctx.Done():
			return
		}
	}
}

// acquireSlot blocks until a slot is available on the current semaphore,
// the worker's context is cancelled, or the semaphore is resized — in
// which case it retries against the replacement. It returns the specific
// semaphore instance the slot was acquired from, so the caller releases
// to the same instance even across a resize.
func (w *Worker) acquireSlot(ctx context.Context) (*semaphore.Weighted, error) {
	for {
		w.semMu.RLock()
		sem := w.sem
		resizeCh := w.resizeCh
		w.semMu.RUnlock()

		acquireCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sem.Acquire(acquireCtx, 1) }()

		select {
		case err := <-done:
			cancel()
			if err != nil {
				return nil, err
			}
			return sem, nil
		case <-resizeCh:
			cancel()
			<-done
		}
	}
}

func (w *Worker) runJob(qj queuedJob, sem *semaphore.Weighted) {
	defer w.wg.Done()
	defer sem.Release(1)

	ctx := w.ctx
	var cancel context.CancelFunc
	if w.cfg.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}

	startedAt := time.Now().UTC()
	running := domain.StatusRunning
	job, err := w.store.Update(ctx, qj.id, store.Patch{Status: &running, StartedAt: &startedAt})
	if err != nil {
		w.log.Error("failed to transition job to running", "job_id", qj.id, "error", err.Error())
		return
	}
	w.publish("job:started", job)
	w.record("job:started", job, "job started", activity.SeverityInfo)

	ctx = context.WithValue(ctx, progressReporterKey{}, func(fraction float64) {
		w.reportProgress(qj.id, fraction)
	})

	var gitMeta *domain.GitMeta
	ctx = context.WithValue(ctx, gitMetaSetterKey{}, func(meta *domain.GitMeta) {
		gitMeta = meta
	})

	result, runErr := w.invoke(ctx, job)

	if runErr == nil {
		completedAt := time.Now().UTC()
		completed := domain.StatusCompleted
		job, err = w.store.Update(ctx, qj.id, store.Patch{Status: &completed, CompletedAt: &completedAt, Result: result, Git: gitMeta})
		if err != nil {
			w.log.Error("failed to persist job completion", "job_id", qj.id, "error", err.Error())
			return
		}
		w.publish("job:completed", job)
		w.record("job:completed", job, "job completed", activity.SeverityInfo)
		w.retryCtl.Cancel(qj.id)
		return
	}

	verdict := w.retryCtl.Handle(qj.id, qj.payload, runErr, w.resubmit)
	if verdict.Terminal {
		completedAt := time.Now().UTC()
		failed := domain.StatusFailed
		jobErr := &domain.JobError{
			Message:  runErr.Error(),
			Category: string(verdict.Classification.Category),
		}
		job, err = w.store.Update(ctx, qj.id, store.Patch{Status: &failed, CompletedAt: &completedAt, Error: jobErr})
		if err != nil {
			w.log.Error("failed to persist job failure", "job_id", qj.id, "error", err.Error())
			return
		}
		w.publish("job:failed", job)
		w.record("job:failed", job, runErr.Error(), activity.SeverityError)
	}
	// Scheduled: status stays running; the retry controller will Submit a
	// fresh job row under <original>-retryN once the backoff elapses.
}

func (w *Worker) invoke(ctx context.Context, job domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

// reportProgress persists a handler-reported completion fraction and
// publishes job:progress. Store errors are logged, not surfaced, since a
// progress update is advisory and must never fail the job.
func (w *Worker) reportProgress(jobID string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	job, err := w.store.Update(w.ctx, jobID, store.Patch{Progress: &fraction})
	if err != nil {
		w.log.Warn("failed to persist progress update", "job_id", jobID, "error", err.Error())
		return
	}
	w.publish("job:progress", job)
}

func (w *Worker) resubmit(newID string, payload json.RawMessage) {
	if err := w.Submit(w.ctx, newID, payload); err != nil {
		w.log.Error("failed to resubmit retry", "job_id", newID, "error", err.Error())
	}
}

// RetrySnapshot reports this worker's retry bookkeeping for status
// endpoints.
func (w *Worker) RetrySnapshot() retry.Metrics {
	return w.retryCtl.Snapshot()
}

// PipelineID returns the pipeline this worker serves.
func (w *Worker) PipelineID() string { return w.cfg.PipelineID }

// QueueDepth reports the number of jobs currently waiting for a slot.
func (w *Worker) QueueDepth() int { return len(w.queue) }

// QueueCapacity reports the worker's queue buffer size.
func (w *Worker) QueueCapacity() int { return cap(w.queue) }

// Stop begins graceful shutdown: it stops accepting new dispatch activity
// and waits for in-flight handlers to finish, up to grace. Pending retry
// timers are cancelled.
func (w *Worker) Stop(grace time.Duration) {
	w.cancel()
	w.retryCtl.CancelAll()

	waited := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(grace):
		w.log.Warn("grace period elapsed with handlers still in flight", "pipeline_id", w.cfg.PipelineID)
	}
	<-w.done
}

func (w *Worker) publish(channel string, job domain.Job) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(channel, jobEventPayload(job))
}

func (w *Worker) record(eventType string, job domain.Job, message string, severity activity.Severity) {
	if w.feed == nil {
		return
	}
	item := activity.Item{
		ID:           job.ID + ":" + eventType,
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		PipelineID:   w.cfg.PipelineID,
		PipelineName: w.cfg.PipelineName,
		JobID:        job.ID,
		Message:      message,
		Severity:     severity,
	}
	w.feed.Record(item)
	if w.bus != nil {
		w.bus.Publish("activity:new", item)
	}
}

func jobEventPayload(job domain.Job) map[string]interface{} {
	return map[string]interface{}{
		"job_id":      job.ID,
		"pipeline_id": job.PipelineID,
		"status":      string(job.Status),
		"progress":    job.Progress,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
}
