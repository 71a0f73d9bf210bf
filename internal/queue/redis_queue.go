package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
)

var (
	ErrUnknownQueue = errors.New("unknown queue")
	ErrJobNotFound  = errors.New("job not found")
	ErrShutDown     = errors.New("queue manager is shut down")
)

// Manager coordinates the named job queues in Redis. All job state lives in
// the broker, so a process crash loses no queued work; only active,
// unacknowledged jobs are redelivered after their lease expires.
type Manager struct {
	client             *redis.Client
	queues             map[string]struct{}
	visibilityTTL      time.Duration
	defaultMaxAttempts int
	completedRetention time.Duration
	failedRetention    time.Duration
	shutdownGrace      time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewManager builds a queue manager from config with the four standard
// queues registered.
func NewManager(cfg config.Config) *Manager {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewManagerWithClient(client, cfg,
		models.QueueScreenshot,
		models.QueueReplay,
		models.QueueIntegration,
		models.QueueNotification,
	)
}

// NewManagerWithClient wires a manager around an existing client. Used by
// tests with miniredis.
func NewManagerWithClient(client *redis.Client, cfg config.Config, queues ...string) *Manager {
	names := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		names[q] = struct{}{}
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Manager{
		client:             client,
		queues:             names,
		visibilityTTL:      visibility,
		defaultMaxAttempts: maxAttempts,
		completedRetention: cfg.CompletedRetention,
		failedRetention:    cfg.FailedRetention,
		shutdownGrace:      cfg.ShutdownGrace,
		closed:             make(chan struct{}),
	}
}

// Client exposes the underlying connection for components that share the
// broker, like the notification token bucket.
func (m *Manager) Client() *redis.Client { return m.client }

func (m *Manager) waitKey(q string) string    { return "bq:" + q + ":wait" }
func (m *Manager) delayedKey(q string) string { return "bq:" + q + ":delayed" }
func (m *Manager) activeKey(q string) string  { return "bq:" + q + ":active" }
func (m *Manager) completedKey(q string) string { return "bq:" + q + ":completed" }
func (m *Manager) failedKey(q string) string  { return "bq:" + q + ":failed" }
func (m *Manager) pausedKey(q string) string  { return "bq:" + q + ":paused" }
func (m *Manager) metaKey(q, id string) string { return "bq:job:" + q + ":" + id }

func (m *Manager) checkOpen() error {
	select {
	case <-m.closed:
		return ErrShutDown
	default:
		return nil
	}
}

func (m *Manager) checkQueue(q string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, ok := m.queues[q]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, q)
	}
	return nil
}

// JobOptions tune a single enqueue.
type JobOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
}

// AddJob enqueues a typed payload onto a known queue and returns the job id.
func (m *Manager) AddJob(ctx context.Context, queueName, jobName string, payload any, opts JobOptions) (string, error) {
	if err := m.checkQueue(queueName); err != nil {
		return "", err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.defaultMaxAttempts
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	state := models.StateWaiting
	if opts.Delay > 0 {
		state = models.StateDelayed
	} else if opts.Priority > 0 {
		state = models.StatePrioritized
	}

	meta := map[string]any{
		"name":         jobName,
		"payload":      string(raw),
		"state":        state,
		"priority":     opts.Priority,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"created_at":   now.Format(time.RFC3339Nano),
		"progress":     0,
	}
	if opts.BackoffBase > 0 {
		meta["backoff_base_ms"] = opts.BackoffBase.Milliseconds()
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.metaKey(queueName, id), meta)
	if opts.Delay > 0 {
		runAt := now.Add(opts.Delay)
		pipe.ZAdd(ctx, m.delayedKey(queueName), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else if opts.Priority > 0 {
		pipe.LPush(ctx, m.waitKey(queueName), id)
	} else {
		pipe.RPush(ctx, m.waitKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// GetJobStatus reads the full bookkeeping view of a job.
func (m *Manager) GetJobStatus(ctx context.Context, queueName, jobID string) (models.JobStatus, error) {
	if err := m.checkQueue(queueName); err != nil {
		return models.JobStatus{}, err
	}
	fields, err := m.client.HGetAll(ctx, m.metaKey(queueName, jobID)).Result()
	if err != nil {
		return models.JobStatus{}, fmt.Errorf("read job meta: %w", err)
	}
	if len(fields) == 0 {
		return models.JobStatus{}, fmt.Errorf("%w: %s/%s", ErrJobNotFound, queueName, jobID)
	}

	status := models.JobStatus{
		ID:          jobID,
		Queue:       queueName,
		Name:        fields["name"],
		Payload:     json.RawMessage(fields["payload"]),
		State:       fields["state"],
		Progress:    atoi(fields["progress"]),
		Attempts:    atoi(fields["attempts"]),
		MaxAttempts: atoi(fields["max_attempts"]),
	}
	if status.State == "" {
		status.State = models.StateUnknown
	}
	status.CreatedAt = parseTime(fields["created_at"])
	if v := fields["processed_at"]; v != "" {
		t := parseTime(v)
		status.ProcessedAt = &t
	}
	if v := fields["finished_at"]; v != "" {
		t := parseTime(v)
		status.FinishedAt = &t
	}
	if v := fields["result"]; v != "" {
		status.Result = json.RawMessage(v)
	}
	if v := fields["failed_reason"]; v != "" {
		status.FailedReason = &v
	}
	if v := fields["stacktrace"]; v != "" {
		status.Stacktrace = &v
	}
	return status, nil
}

// GetQueueMetrics returns depth counts for one queue.
func (m *Manager) GetQueueMetrics(ctx context.Context, queueName string) (models.QueueMetrics, error) {
	if err := m.checkQueue(queueName); err != nil {
		return models.QueueMetrics{}, err
	}
	pipe := m.client.Pipeline()
	waiting := pipe.LLen(ctx, m.waitKey(queueName))
	active := pipe.ZCard(ctx, m.activeKey(queueName))
	completed := pipe.ZCard(ctx, m.completedKey(queueName))
	failed := pipe.ZCard(ctx, m.failedKey(queueName))
	delayed := pipe.ZCard(ctx, m.delayedKey(queueName))
	paused := pipe.Exists(ctx, m.pausedKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueMetrics{}, fmt.Errorf("queue metrics: %w", err)
	}
	return models.QueueMetrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// PauseQueue stops dispatch without losing queued jobs.
func (m *Manager) PauseQueue(ctx context.Context, queueName string) error {
	if err := m.checkQueue(queueName); err != nil {
		return err
	}
	return m.client.Set(ctx, m.pausedKey(queueName), "1", 0).Err()
}

// ResumeQueue re-enables dispatch.
func (m *Manager) ResumeQueue(ctx context.Context, queueName string) error {
	if err := m.checkQueue(queueName); err != nil {
		return err
	}
	return m.client.Del(ctx, m.pausedKey(queueName)).Err()
}

// Dequeue pops the next waiting job and places it under an active lease. An
// empty job id means nothing was available (or the queue is paused).
func (m *Manager) Dequeue(ctx context.Context, queueName string) (models.Job, bool, error) {
	if err := m.checkQueue(queueName); err != nil {
		return models.Job{}, false, err
	}
	keys := []string{m.waitKey(queueName), m.activeKey(queueName), m.pausedKey(queueName)}
	deadline := time.Now().Add(m.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, m.client, keys, deadline).Result()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return models.Job{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	now := time.Now().UTC()
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, m.metaKey(queueName, jobID), map[string]any{
		"state":        models.StateActive,
		"processed_at": now.Format(time.RFC3339Nano),
	})
	fields := pipe.HGetAll(ctx, m.metaKey(queueName, jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("activate job: %w", err)
	}
	meta := fields.Val()

	job := models.Job{
		ID:          jobID,
		Queue:       queueName,
		Name:        meta["name"],
		Payload:     json.RawMessage(meta["payload"]),
		Priority:    atoi(meta["priority"]),
		State:       models.StateActive,
		Attempts:    atoi(meta["attempts"]),
		MaxAttempts: atoi(meta["max_attempts"]),
		CreatedAt:   parseTime(meta["created_at"]),
	}
	return job, true, nil
}

// BackoffBase returns the per-job backoff override, zero when unset.
func (m *Manager) BackoffBase(ctx context.Context, queueName, jobID string) time.Duration {
	v, err := m.client.HGet(ctx, m.metaKey(queueName, jobID), "backoff_base_ms").Result()
	if err != nil {
		return 0
	}
	ms, _ := strconv.ParseInt(v, 10, 64)
	return time.Duration(ms) * time.Millisecond
}

// CompleteJob acknowledges a job and records its typed result. Completed
// entries are retained until reaped.
func (m *Manager) CompleteJob(ctx context.Context, queueName, jobID string, result any) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now().UTC()
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.activeKey(queueName), jobID)
	pipe.HSet(ctx, m.metaKey(queueName, jobID), map[string]any{
		"state":       models.StateCompleted,
		"result":      string(raw),
		"finished_at": now.Format(time.RFC3339Nano),
		"progress":    100,
	})
	pipe.ZAdd(ctx, m.completedKey(queueName), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

// RetryJob re-queues a failed attempt for deferred redelivery. The attempt
// counter is incremented here, never by the worker.
func (m *Manager) RetryJob(ctx context.Context, queueName, jobID, reason string, runAt time.Time) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.activeKey(queueName), jobID)
	pipe.HIncrBy(ctx, m.metaKey(queueName, jobID), "attempts", 1)
	pipe.HSet(ctx, m.metaKey(queueName, jobID), map[string]any{
		"state":         models.StateDelayed,
		"failed_reason": reason,
	})
	pipe.ZAdd(ctx, m.delayedKey(queueName), redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// FailJob marks a job permanently failed. Failed entries are kept for
// operator inspection until reaped.
func (m *Manager) FailJob(ctx context.Context, queueName, jobID, reason, stacktrace string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	now := time.Now().UTC()
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, m.activeKey(queueName), jobID)
	pipe.HIncrBy(ctx, m.metaKey(queueName, jobID), "attempts", 1)
	pipe.HSet(ctx, m.metaKey(queueName, jobID), map[string]any{
		"state":         models.StateFailed,
		"failed_reason": reason,
		"stacktrace":    stacktrace,
		"finished_at":   now.Format(time.RFC3339Nano),
	})
	pipe.ZAdd(ctx, m.failedKey(queueName), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDelayed moves due delayed jobs back into the wait list.
func (m *Manager) PromoteDelayed(ctx context.Context, queueName string, now time.Time, limit int64) (int, error) {
	ids, err := m.client.ZRangeByScore(ctx, m.delayedKey(queueName), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := m.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, m.delayedKey(queueName), id)
		pipe.HSet(ctx, m.metaKey(queueName, id), "state", models.StateWaiting)
		pipe.RPush(ctx, m.waitKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReclaimExpired re-queues active jobs whose lease timed out, typically after
// an ungraceful worker death.
func (m *Manager) ReclaimExpired(ctx context.Context, queueName string, now time.Time, limit int64) ([]string, error) {
	ids, err := m.client.ZRangeByScore(ctx, m.activeKey(queueName), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := m.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, m.activeKey(queueName), id)
		pipe.HSet(ctx, m.metaKey(queueName, id), "state", models.StateWaiting)
		pipe.RPush(ctx, m.waitKey(queueName), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReapFinished drops completed and failed entries past their retention
// windows, meta included.
func (m *Manager) ReapFinished(ctx context.Context, queueName string, now time.Time) (int, error) {
	reaped := 0
	for _, set := range []struct {
		key string
		ttl time.Duration
	}{
		{m.completedKey(queueName), m.completedRetention},
		{m.failedKey(queueName), m.failedRetention},
	} {
		if set.ttl <= 0 {
			continue
		}
		cutoff := strconv.FormatInt(now.Add(-set.ttl).UnixMilli(), 10)
		ids, err := m.client.ZRangeByScore(ctx, set.key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return reaped, err
		}
		if len(ids) == 0 {
			continue
		}
		pipe := m.client.TxPipeline()
		for _, id := range ids {
			pipe.ZRem(ctx, set.key, id)
			pipe.Del(ctx, m.metaKey(queueName, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, err
		}
		reaped += len(ids)
	}
	return reaped, nil
}

// ActiveCount sums in-flight jobs across every registered queue.
func (m *Manager) ActiveCount(ctx context.Context) (int64, error) {
	pipe := m.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(m.queues))
	for q := range m.queues {
		cmds = append(cmds, pipe.ZCard(ctx, m.activeKey(q)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// QueueNames lists the registered queues.
func (m *Manager) QueueNames() []string {
	names := make([]string, 0, len(m.queues))
	for q := range m.queues {
		names = append(names, q)
	}
	return names
}

// Closed reports whether Shutdown has run.
func (m *Manager) Closed() <-chan struct{} { return m.closed }

// Shutdown waits for in-flight jobs to drain, bounded by the grace period,
// then closes the broker connection. Safe to call multiple times
// concurrently; only the first call performs work.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		defer close(m.closed)
		grace := m.shutdownGrace
		if grace <= 0 {
			grace = 30 * time.Second
		}
		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			n, countErr := m.ActiveCount(ctx)
			if countErr != nil || n == 0 {
				break
			}
			select {
			case <-ctx.Done():
				err = ctx.Err()
				goto closeClient
			case <-time.After(100 * time.Millisecond):
			}
		}
	closeClient:
		if closeErr := m.client.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return nil
end
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
