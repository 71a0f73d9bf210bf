package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/queue"
)

type fakeRunnable struct {
	name     string
	closeErr error

	running  atomic.Bool
	paused   atomic.Bool
	closed   atomic.Bool
	observer Observer
}

func (f *fakeRunnable) Name() string              { return f.name }
func (f *fakeRunnable) Start(context.Context)     { f.running.Store(true) }
func (f *fakeRunnable) Pause()                    { f.paused.Store(true) }
func (f *fakeRunnable) Resume()                   { f.paused.Store(false) }
func (f *fakeRunnable) IsRunning() bool           { return f.running.Load() && !f.paused.Load() }
func (f *fakeRunnable) SetObserver(o Observer)    { f.observer = o }
func (f *fakeRunnable) Close(context.Context) error {
	f.closed.Store(true)
	if f.closeErr != nil {
		return f.closeErr
	}
	f.running.Store(false)
	return nil
}

func newTestQueue(t *testing.T) *queue.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewManagerWithClient(client, config.Config{}, models.QueueScreenshot)
}

func startManager(t *testing.T, workers ...*fakeRunnable) *Manager {
	t.Helper()
	m := NewManager(newTestQueue(t), time.Second)
	for _, w := range workers {
		w := w
		m.Register(w.name, true, func(context.Context) (Runnable, error) {
			return w, nil
		})
	}
	require.NoError(t, m.Start(context.Background()))
	return m
}

func TestStartIsExactlyOnce(t *testing.T) {
	m := startManager(t, &fakeRunnable{name: "screenshot"})
	assert.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartPropagatesFactoryErrors(t *testing.T) {
	m := NewManager(newTestQueue(t), time.Second)
	m.Register("integration", true, func(context.Context) (Runnable, error) {
		return nil, errors.New("no registry configured")
	})
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integration")
}

func TestDisabledWorkerIsNotBuilt(t *testing.T) {
	m := NewManager(newTestQueue(t), time.Second)
	built := false
	m.Register("replay", false, func(context.Context) (Runnable, error) {
		built = true
		return &fakeRunnable{name: "replay"}, nil
	})
	require.NoError(t, m.Start(context.Background()))
	assert.False(t, built)
	assert.Zero(t, m.GetMetrics().TotalWorkers)
}

func TestMetricsTrackTrueRunningAverage(t *testing.T) {
	w := &fakeRunnable{name: "screenshot"}
	m := startManager(t, w)

	w.observer.JobCompleted("screenshot", 100*time.Millisecond)
	w.observer.JobCompleted("screenshot", 200*time.Millisecond)
	w.observer.JobCompleted("screenshot", 300*time.Millisecond)
	w.observer.JobFailed("screenshot", errors.New("decode error"))

	metrics := m.GetMetrics()
	wm := metrics.Workers["screenshot"]
	assert.EqualValues(t, 3, wm.JobsProcessed)
	assert.EqualValues(t, 1, wm.JobsFailed)
	assert.InDelta(t, 200, wm.AvgProcessingTimeMs, 0.001)
	assert.Equal(t, "decode error", wm.LastError)
	require.NotNil(t, wm.LastProcessedAt)
	assert.EqualValues(t, 3, metrics.TotalProcessed)
	assert.EqualValues(t, 1, metrics.TotalFailed)
}

func TestMetricsCountersNeverReset(t *testing.T) {
	w := &fakeRunnable{name: "screenshot"}
	m := startManager(t, w)

	w.observer.JobCompleted("screenshot", 50*time.Millisecond)
	before := m.GetMetrics().Workers["screenshot"].JobsProcessed

	require.NoError(t, m.PauseWorker("screenshot"))
	require.NoError(t, m.ResumeWorker("screenshot"))

	after := m.GetMetrics().Workers["screenshot"].JobsProcessed
	assert.Equal(t, before, after)
}

func TestHealthCheck(t *testing.T) {
	a := &fakeRunnable{name: "screenshot"}
	b := &fakeRunnable{name: "replay"}
	m := startManager(t, a, b)

	h := m.HealthCheck()
	assert.True(t, h.Healthy)

	require.NoError(t, m.PauseWorker("replay"))
	h = m.HealthCheck()
	assert.False(t, h.Healthy)
	assert.True(t, h.Workers["screenshot"])
	assert.False(t, h.Workers["replay"])
}

func TestPauseUnknownWorker(t *testing.T) {
	m := startManager(t, &fakeRunnable{name: "screenshot"})
	assert.ErrorIs(t, m.PauseWorker("nope"), ErrUnknownWorker)
	assert.ErrorIs(t, m.ResumeWorker("nope"), ErrUnknownWorker)
}

func TestShutdownIsolatesFailures(t *testing.T) {
	ok1 := &fakeRunnable{name: "screenshot"}
	bad := &fakeRunnable{name: "replay", closeErr: errors.New("close timeout")}
	ok2 := &fakeRunnable{name: "notification"}
	m := startManager(t, ok1, bad, ok2)

	require.NoError(t, m.Shutdown(context.Background()))

	// All three workers received Close even though one failed.
	assert.True(t, ok1.closed.Load())
	assert.True(t, bad.closed.Load())
	assert.True(t, ok2.closed.Load())

	metrics := m.GetMetrics()
	assert.False(t, metrics.Workers["screenshot"].IsRunning)
	assert.False(t, metrics.Workers["notification"].IsRunning)
}

func TestShutdownIsIdempotent(t *testing.T) {
	w := &fakeRunnable{name: "screenshot"}
	m := startManager(t, w)

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
}
