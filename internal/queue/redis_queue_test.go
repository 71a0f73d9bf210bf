package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{VisibilityTimeout: 30 * time.Second, MaxAttempts: 3}
	return NewManagerWithClient(client, cfg, models.QueueScreenshot, models.QueueNotification)
}

func TestAddJobAndStatus(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", map[string]string{"object_key": "shots/a.png"}, JobOptions{})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	status, err := m.GetJobStatus(ctx, models.QueueScreenshot, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.State != models.StateWaiting {
		t.Fatalf("expected waiting state, got %s", status.State)
	}
	if status.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", status.MaxAttempts)
	}
}

func TestAddJobUnknownQueue(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.AddJob(ctx, "nope", "x", nil, JobOptions{}); err == nil {
		t.Fatal("expected unknown queue error")
	}
}

func TestJobNotFound(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.GetJobStatus(ctx, models.QueueScreenshot, "missing"); err == nil {
		t.Fatal("expected job not found error")
	}
}

func TestDequeueLeasesJob(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, err := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", map[string]string{"object_key": "shots/a.png"}, JobOptions{})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	job, ok, err := m.Dequeue(ctx, models.QueueScreenshot)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if job.ID != id {
		t.Fatalf("expected job %s, got %s", id, job.ID)
	}
	if job.State != models.StateActive {
		t.Fatalf("expected active state, got %s", job.State)
	}

	metrics, err := m.GetQueueMetrics(ctx, models.QueueScreenshot)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if metrics.Waiting != 0 || metrics.Active != 1 {
		t.Fatalf("expected 0 waiting / 1 active, got %d/%d", metrics.Waiting, metrics.Active)
	}

	// Empty queue returns no job, no error.
	_, ok, err = m.Dequeue(ctx, models.QueueScreenshot)
	if err != nil || ok {
		t.Fatalf("expected empty dequeue, ok=%v err=%v", ok, err)
	}
}

func TestPausedQueueDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if err := m.PauseQueue(ctx, models.QueueScreenshot); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, ok, err := m.Dequeue(ctx, models.QueueScreenshot); err != nil || ok {
		t.Fatalf("paused queue should not dispatch, ok=%v err=%v", ok, err)
	}

	if err := m.ResumeQueue(ctx, models.QueueScreenshot); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, ok, err := m.Dequeue(ctx, models.QueueScreenshot); err != nil || !ok {
		t.Fatalf("resumed queue should dispatch, ok=%v err=%v", ok, err)
	}
}

func TestCompleteJob(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, _ := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{})
	if _, _, err := m.Dequeue(ctx, models.QueueScreenshot); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := m.CompleteJob(ctx, models.QueueScreenshot, id, map[string]int{"bytes": 512}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	status, err := m.GetJobStatus(ctx, models.QueueScreenshot, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.State != models.StateCompleted {
		t.Fatalf("expected completed, got %s", status.State)
	}
	if status.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", status.Progress)
	}
	if status.Result == nil {
		t.Fatal("expected result payload")
	}
}

func TestRetryJobIncrementsAttemptsAndDelays(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, _ := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{})
	if _, _, err := m.Dequeue(ctx, models.QueueScreenshot); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := m.RetryJob(ctx, models.QueueScreenshot, id, "fetch failed", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("retry: %v", err)
	}

	status, _ := m.GetJobStatus(ctx, models.QueueScreenshot, id)
	if status.State != models.StateDelayed {
		t.Fatalf("expected delayed, got %s", status.State)
	}
	if status.Attempts != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", status.Attempts)
	}
	if status.FailedReason == nil || *status.FailedReason != "fetch failed" {
		t.Fatalf("expected failure reason, got %v", status.FailedReason)
	}

	// The retry is past due, so promotion makes it dispatchable again.
	n, err := m.PromoteDelayed(ctx, models.QueueScreenshot, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted job, got %d", n)
	}
	job, ok, err := m.Dequeue(ctx, models.QueueScreenshot)
	if err != nil || !ok {
		t.Fatalf("dequeue after promote: ok=%v err=%v", ok, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("redelivered job should carry attempt count, got %d", job.Attempts)
	}
}

func TestFailJob(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, _ := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{})
	if _, _, err := m.Dequeue(ctx, models.QueueScreenshot); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := m.FailJob(ctx, models.QueueScreenshot, id, "decode error", "stack"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	status, _ := m.GetJobStatus(ctx, models.QueueScreenshot, id)
	if status.State != models.StateFailed {
		t.Fatalf("expected failed, got %s", status.State)
	}
	if status.Stacktrace == nil || *status.Stacktrace != "stack" {
		t.Fatal("expected stacktrace recorded")
	}

	metrics, _ := m.GetQueueMetrics(ctx, models.QueueScreenshot)
	if metrics.Failed != 1 || metrics.Active != 0 {
		t.Fatalf("expected 1 failed / 0 active, got %d/%d", metrics.Failed, metrics.Active)
	}
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	id, _ := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{})
	if _, _, err := m.Dequeue(ctx, models.QueueScreenshot); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// A reclaim before the lease deadline touches nothing.
	ids, err := m.ReclaimExpired(ctx, models.QueueScreenshot, time.Now(), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("lease still valid, expected no reclaims, got %v", ids)
	}

	// Past the visibility timeout the job returns to the wait list.
	ids, err = m.ReclaimExpired(ctx, models.QueueScreenshot, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected job %s reclaimed, got %v", id, ids)
	}
	if _, ok, _ := m.Dequeue(ctx, models.QueueScreenshot); !ok {
		t.Fatal("reclaimed job should be dispatchable")
	}
}

func TestDelayedJobNotDispatchedEarly(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{Delay: time.Hour}); err != nil {
		t.Fatalf("add job: %v", err)
	}
	if _, ok, _ := m.Dequeue(ctx, models.QueueScreenshot); ok {
		t.Fatal("delayed job should not be dispatchable before promotion")
	}
	if n, _ := m.PromoteDelayed(ctx, models.QueueScreenshot, time.Now(), 10); n != 0 {
		t.Fatalf("delayed job is not due, got %d promoted", n)
	}
	if n, _ := m.PromoteDelayed(ctx, models.QueueScreenshot, time.Now().Add(2*time.Hour), 10); n != 1 {
		t.Fatalf("expected 1 promoted once due, got %d", n)
	}
}

func TestShutdownRejectsAfterClose(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-m.Closed():
	default:
		t.Fatal("closed channel should be signalled")
	}
	// Second shutdown is a no-op.
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	// Every broker operation reports shut-down instead of hitting the closed
	// connection.
	if _, err := m.AddJob(ctx, models.QueueScreenshot, "thumbnail", nil, JobOptions{}); !errors.Is(err, ErrShutDown) {
		t.Fatalf("AddJob after shutdown: want ErrShutDown, got %v", err)
	}
	if _, _, err := m.Dequeue(ctx, models.QueueScreenshot); !errors.Is(err, ErrShutDown) {
		t.Fatalf("Dequeue after shutdown: want ErrShutDown, got %v", err)
	}
	if err := m.RetryJob(ctx, models.QueueScreenshot, "some-id", "boom", time.Now()); !errors.Is(err, ErrShutDown) {
		t.Fatalf("RetryJob after shutdown: want ErrShutDown, got %v", err)
	}
}
