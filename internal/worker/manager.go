package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bugreport-pipeline/internal/queue"
)

var (
	ErrAlreadyStarted = errors.New("worker manager already started")
	ErrNotStarted     = errors.New("worker manager not started")
	ErrUnknownWorker  = errors.New("unknown worker")
)

// Factory builds one worker kind. Factories run inside Start so
// configuration problems (for example a missing plugin registry) surface as
// fatal startup errors.
type Factory func(ctx context.Context) (Runnable, error)

// WorkerMetrics are supervisor-owned per-worker counters. JobsProcessed and
// JobsFailed only ever grow; AvgProcessingTimeMs is the true running mean
// over all processed jobs.
type WorkerMetrics struct {
	JobsProcessed       int64      `json:"jobs_processed"`
	JobsFailed          int64      `json:"jobs_failed"`
	AvgProcessingTimeMs float64    `json:"avg_processing_time_ms"`
	LastProcessedAt     *time.Time `json:"last_processed_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	IsRunning           bool       `json:"is_running"`

	totalTimeMs float64
}

// ManagerMetrics aggregate the whole pool.
type ManagerMetrics struct {
	TotalWorkers   int                      `json:"total_workers"`
	RunningWorkers int                      `json:"running_workers"`
	TotalProcessed int64                    `json:"total_processed"`
	TotalFailed    int64                    `json:"total_failed"`
	Workers        map[string]WorkerMetrics `json:"workers"`
	UptimeMs       int64                    `json:"uptime_ms"`
}

// Health is the health-check view: healthy iff every started worker is
// running. The broker connection is not probed here.
type Health struct {
	Healthy bool            `json:"healthy"`
	Workers map[string]bool `json:"workers"`
}

type managedWorker struct {
	w       Runnable
	metrics WorkerMetrics
}

// Manager supervises the worker pool: selective startup, metrics
// aggregation, health, pause/resume, and coordinated shutdown.
type Manager struct {
	mu        sync.Mutex
	q         *queue.Manager
	factories []factoryEntry
	workers   map[string]*managedWorker

	started      bool
	shuttingDown bool
	startedAt    time.Time
	closeGrace   time.Duration
}

type factoryEntry struct {
	name    string
	enabled bool
	build   Factory
}

// NewManager builds an empty supervisor over the given queue manager.
func NewManager(q *queue.Manager, closeGrace time.Duration) *Manager {
	if closeGrace <= 0 {
		closeGrace = 30 * time.Second
	}
	return &Manager{
		q:          q,
		workers:    make(map[string]*managedWorker),
		closeGrace: closeGrace,
	}
}

// Register adds a worker factory. Disabled workers are registered but never
// built.
func (m *Manager) Register(name string, enabled bool, build Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories = append(m.factories, factoryEntry{name: name, enabled: enabled, build: build})
}

// Start builds and starts every enabled worker. Callable exactly once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true
	m.startedAt = time.Now()

	for _, entry := range m.factories {
		if !entry.enabled {
			slog.Info("worker disabled by configuration", "worker", entry.name)
			continue
		}
		w, err := entry.build(ctx)
		if err != nil {
			return fmt.Errorf("build %s worker: %w", entry.name, err)
		}
		w.SetObserver(&managerObserver{m: m})
		w.Start(ctx)
		m.workers[entry.name] = &managedWorker{
			w:       w,
			metrics: WorkerMetrics{IsRunning: true},
		}
		slog.Info("worker started", "worker", entry.name)
	}
	return nil
}

// managerObserver folds worker outcome events into supervisor metrics.
type managerObserver struct {
	m *Manager
}

func (o *managerObserver) JobCompleted(worker string, took time.Duration) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	mw, ok := o.m.workers[worker]
	if !ok {
		return
	}
	now := time.Now()
	mw.metrics.JobsProcessed++
	mw.metrics.totalTimeMs += float64(took.Milliseconds())
	mw.metrics.AvgProcessingTimeMs = mw.metrics.totalTimeMs / float64(mw.metrics.JobsProcessed)
	mw.metrics.LastProcessedAt = &now
}

func (o *managerObserver) JobFailed(worker string, err error) {
	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	mw, ok := o.m.workers[worker]
	if !ok {
		return
	}
	now := time.Now()
	mw.metrics.JobsFailed++
	mw.metrics.LastError = err.Error()
	mw.metrics.LastProcessedAt = &now
}

// GetMetrics aggregates pool-wide and per-worker counters.
func (m *Manager) GetMetrics() ManagerMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := ManagerMetrics{
		TotalWorkers: len(m.workers),
		Workers:      make(map[string]WorkerMetrics, len(m.workers)),
	}
	for name, mw := range m.workers {
		out.Workers[name] = mw.metrics
		out.TotalProcessed += mw.metrics.JobsProcessed
		out.TotalFailed += mw.metrics.JobsFailed
		if mw.metrics.IsRunning {
			out.RunningWorkers++
		}
	}
	if m.started {
		out.UptimeMs = time.Since(m.startedAt).Milliseconds()
	}
	return out
}

// HealthCheck reports per-worker liveness.
func (m *Manager) HealthCheck() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{Healthy: true, Workers: make(map[string]bool, len(m.workers))}
	for name, mw := range m.workers {
		running := mw.w.IsRunning()
		h.Workers[name] = running
		if !running {
			h.Healthy = false
		}
	}
	return h
}

// PauseWorker suspends one started worker.
func (m *Manager) PauseWorker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mw, ok := m.workers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	mw.w.Pause()
	mw.metrics.IsRunning = false
	return nil
}

// ResumeWorker resumes a paused worker.
func (m *Manager) ResumeWorker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mw, ok := m.workers[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	mw.w.Resume()
	mw.metrics.IsRunning = true
	return nil
}

// Shutdown closes every worker in parallel, then the queue connection. Safe
// to call repeatedly and concurrently; only the first call performs work.
// One worker failing to close never prevents the others from closing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	workers := make(map[string]*managedWorker, len(m.workers))
	for name, mw := range m.workers {
		workers[name] = mw
	}
	m.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(ctx, m.closeGrace)
	defer cancel()

	var wg sync.WaitGroup
	for name, mw := range workers {
		wg.Add(1)
		go func(name string, mw *managedWorker) {
			defer wg.Done()
			if err := mw.w.Close(closeCtx); err != nil {
				slog.Error("worker close failed", "worker", name, "error", err)
				return
			}
			slog.Info("worker closed", "worker", name)
			m.mu.Lock()
			mw.metrics.IsRunning = false
			m.mu.Unlock()
		}(name, mw)
	}
	wg.Wait()

	if err := m.q.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown queue manager: %w", err)
	}
	return nil
}
