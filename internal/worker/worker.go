package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/queue"
	"bugreport-pipeline/internal/retry"
	"bugreport-pipeline/internal/telemetry"
)

// Handler executes one job and returns a typed result payload on success.
type Handler func(ctx context.Context, job models.Job) (any, error)

// Observer receives worker outcome events. The manager registers one per
// worker at start to maintain supervisor metrics; workers never touch those
// metrics directly.
type Observer interface {
	JobCompleted(worker string, took time.Duration)
	JobFailed(worker string, err error)
}

// Runnable is the supervisor-facing surface of a worker. The job-processing
// signature stays inside each worker constructor, so the manager never needs
// to know payload types.
type Runnable interface {
	Name() string
	Start(ctx context.Context)
	Pause()
	Resume()
	IsRunning() bool
	Close(ctx context.Context) error
	SetObserver(Observer)
}

// Options tune a single worker.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Backoff      retry.Config
}

// Worker pulls jobs from exactly one queue and processes them with bounded
// concurrency.
type Worker struct {
	name        string
	q           *queue.Manager
	handler     Handler
	concurrency int
	poll        time.Duration
	backoff     retry.Config
	observer    Observer

	running atomic.Bool
	paused  atomic.Bool
	stop    context.CancelFunc // stops the poll and maintenance loops
	abort   context.CancelFunc // cancels in-flight handlers once the grace period is gone
	wg      sync.WaitGroup
}

// New builds a worker bound to the queue of the same name.
func New(name string, q *queue.Manager, handler Handler, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Worker{
		name:        name,
		q:           q,
		handler:     handler,
		concurrency: opts.Concurrency,
		poll:        opts.PollInterval,
		backoff:     opts.Backoff,
	}
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) SetObserver(o Observer) { w.observer = o }

// Start subscribes to the queue and begins pulling jobs up to the
// concurrency limit. Handlers run on a context detached from ctx: cancelling
// ctx stops the loops from pulling new jobs but never cuts off a job already
// in flight.
func (w *Worker) Start(ctx context.Context) {
	loopCtx, stop := context.WithCancel(ctx)
	jobCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	w.stop = stop
	w.abort = abort
	w.running.Store(true)

	w.wg.Add(1)
	go w.maintain(loopCtx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(loopCtx, jobCtx)
	}
}

// Pause stops pulling jobs without losing the subscription.
func (w *Worker) Pause() { w.paused.Store(true) }

// Resume re-enables job pulling.
func (w *Worker) Resume() { w.paused.Store(false) }

// IsRunning reports whether the worker is started and not paused.
func (w *Worker) IsRunning() bool {
	return w.running.Load() && !w.paused.Load()
}

// Close stops pulling new jobs and waits for in-flight handlers to finish,
// bounded by the context deadline. Handlers are only cancelled once that
// grace period expires.
func (w *Worker) Close(ctx context.Context) error {
	if !w.running.Swap(false) {
		return nil
	}
	w.stop()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.abort()
		return nil
	case <-ctx.Done():
		w.abort()
		return fmt.Errorf("close %s worker: %w", w.name, ctx.Err())
	}
}

// maintain promotes delayed jobs, reclaims expired leases, reaps finished
// entries, and refreshes queue gauges. One maintenance loop per worker keeps
// the processing goroutines lean.
func (w *Worker) maintain(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	reapEvery := 60
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := w.q.PromoteDelayed(ctx, w.name, now, 100); err != nil {
			slog.Warn("promote delayed jobs", "worker", w.name, "error", err)
		}
		if reclaimed, err := w.q.ReclaimExpired(ctx, w.name, now, 100); err != nil {
			slog.Warn("reclaim expired leases", "worker", w.name, "error", err)
		} else if len(reclaimed) > 0 {
			slog.Info("reclaimed expired leases", "worker", w.name, "count", len(reclaimed))
		}
		if tick++; tick%reapEvery == 0 {
			if _, err := w.q.ReapFinished(ctx, w.name, now); err != nil {
				slog.Warn("reap finished jobs", "worker", w.name, "error", err)
			}
		}
		if m, err := w.q.GetQueueMetrics(ctx, w.name); err == nil {
			telemetry.QueueDepth.WithLabelValues(w.name).Set(float64(m.Waiting))
			telemetry.InFlight.WithLabelValues(w.name).Set(float64(m.Active))
		}
	}
}

func (w *Worker) loop(loopCtx, jobCtx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-loopCtx.Done():
			return
		default:
		}
		if w.paused.Load() {
			sleep(loopCtx, w.poll)
			continue
		}
		job, ok, err := w.q.Dequeue(loopCtx, w.name)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			slog.Warn("dequeue failed", "worker", w.name, "error", err)
			sleep(loopCtx, w.poll)
			continue
		}
		if !ok {
			sleep(loopCtx, w.poll)
			continue
		}
		w.process(jobCtx, job)
	}
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	start := time.Now()
	result, err := w.runHandler(ctx, job)
	took := time.Since(start)

	// Acks must reach the broker even when the handler was cancelled during a
	// forced shutdown, or the job sits in the active set until lease expiry.
	ackCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := w.q.CompleteJob(ackCtx, w.name, job.ID, result); ackErr != nil {
			slog.Error("complete job", "worker", w.name, "job", job.ID, "error", ackErr)
		}
		telemetry.JobsCompleted.WithLabelValues(w.name).Inc()
		if w.observer != nil {
			w.observer.JobCompleted(w.name, took)
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		stack := string(debug.Stack())
		if failErr := w.q.FailJob(ackCtx, w.name, job.ID, err.Error(), stack); failErr != nil {
			slog.Error("fail job", "worker", w.name, "job", job.ID, "error", failErr)
		}
		telemetry.JobsDead.WithLabelValues(w.name).Inc()
		slog.Error("job exhausted retries",
			"worker", w.name, "job", job.ID, "attempts", attempts, "error", err)
	} else {
		cfg := w.backoff
		if base := w.q.BackoffBase(ackCtx, w.name, job.ID); base > 0 {
			cfg.BaseDelay = base
		}
		delay := cfg.Delay(attempts)
		runAt := time.Now().Add(delay)
		if retryErr := w.q.RetryJob(ackCtx, w.name, job.ID, err.Error(), runAt); retryErr != nil {
			slog.Error("schedule retry", "worker", w.name, "job", job.ID, "error", retryErr)
		}
		telemetry.JobsFailed.WithLabelValues(w.name).Inc()
		slog.Warn("job failed, retry scheduled",
			"worker", w.name, "job", job.ID, "attempt", attempts, "delay", delay, "error", err)
	}
	if w.observer != nil {
		w.observer.JobFailed(w.name, err)
	}
}

// runHandler isolates handler panics into job failures.
func (w *Worker) runHandler(ctx context.Context, job models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
