package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/queue"
	"bugreport-pipeline/internal/retry"
	"bugreport-pipeline/internal/storage"
)

// ReplayStore is the slice of the repository the replay worker needs.
type ReplayStore interface {
	SetReplayKeys(ctx context.Context, reportID string, keys []string) error
}

// ReplayEvent is a single entry in a recorded session stream.
type ReplayEvent struct {
	TimestampMs int64           `json:"t"`
	Type        string          `json:"type,omitempty"`
	Data        json.RawMessage `json:"data"`
}

type replayHandler struct {
	objects  storage.ObjectStore
	store    ReplayStore
	chunkDur time.Duration
}

// NewReplayWorker builds the worker that splits session replays into
// fixed-duration compressed chunks.
func NewReplayWorker(q *queue.Manager, objects storage.ObjectStore, store ReplayStore, cfg config.Config) *Worker {
	h := &replayHandler{
		objects:  objects,
		store:    store,
		chunkDur: cfg.ReplayChunkDuration,
	}
	if h.chunkDur <= 0 {
		h.chunkDur = 10 * time.Second
	}
	return New(models.QueueReplay, q, h.handle, Options{
		Concurrency:  cfg.ReplayConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Backoff:      jobBackoff(cfg),
	})
}

func (h *replayHandler) handle(ctx context.Context, job models.Job) (any, error) {
	var payload models.ReplayJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode replay payload: %w", err)
	}
	if payload.ObjectKey == "" {
		return nil, errors.New("object_key is required")
	}

	raw, err := retry.DoValue(ctx, retry.Config{RetryIf: retry.IsTransient}, func(ctx context.Context) ([]byte, error) {
		return h.objects.Get(ctx, payload.ObjectKey)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch replay stream: %w", err)
	}

	var events []ReplayEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("decode replay events: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("replay stream is empty")
	}

	chunks := chunkEvents(events, h.chunkDur)
	keys := make([]string, 0, len(chunks))
	var totalBytes int64
	for i, chunk := range chunks {
		body, err := compressChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("compress chunk %d: %w", i, err)
		}
		key := fmt.Sprintf("%s.chunk%03d.json.gz", payload.ObjectKey, i)
		if err := h.objects.Upload(ctx, key, body, "application/gzip"); err != nil {
			return nil, fmt.Errorf("upload chunk %d: %w", i, err)
		}
		keys = append(keys, key)
		totalBytes += int64(len(body))
	}

	if payload.ReportID != "" {
		if err := h.store.SetReplayKeys(ctx, payload.ReportID, keys); err != nil {
			return nil, fmt.Errorf("save replay keys: %w", err)
		}
	}

	duration := events[len(events)-1].TimestampMs - events[0].TimestampMs
	return models.ReplayJobResult{
		Chunks:     len(chunks),
		TotalBytes: totalBytes,
		DurationMs: duration,
	}, nil
}

// chunkEvents splits events into windows of the given duration, anchored at
// the first event's timestamp. Events arrive ordered from the SDK; ordering
// is preserved.
func chunkEvents(events []ReplayEvent, chunkDur time.Duration) [][]ReplayEvent {
	if len(events) == 0 {
		return nil
	}
	windowMs := chunkDur.Milliseconds()
	start := events[0].TimestampMs
	var chunks [][]ReplayEvent
	var current []ReplayEvent
	windowEnd := start + windowMs
	for _, ev := range events {
		for ev.TimestampMs >= windowEnd && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			windowEnd += windowMs
		}
		if ev.TimestampMs >= windowEnd {
			// empty window(s); skip ahead
			gap := (ev.TimestampMs - windowEnd) / windowMs
			windowEnd += (gap + 1) * windowMs
		}
		current = append(current, ev)
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func compressChunk(events []ReplayEvent) ([]byte, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
