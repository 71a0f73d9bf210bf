package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/queue"
	"bugreport-pipeline/internal/ratelimit"
)

// Notifier delivers a message on one channel.
type Notifier interface {
	Send(ctx context.Context, payload models.NotificationJobPayload) error
}

// Throttle gates channel sends. Satisfied by ratelimit.TokenBucket; nil
// disables throttling.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

type notificationHandler struct {
	channels map[string]Notifier
	throttle Throttle
}

// NewNotificationWorker builds the worker that fans report events out to
// notification channels. Sends are throttled per channel across every worker
// process via the shared token bucket.
func NewNotificationWorker(q *queue.Manager, channels map[string]Notifier, throttle *ratelimit.TokenBucket, cfg config.Config) *Worker {
	h := &notificationHandler{channels: channels}
	if throttle != nil {
		h.throttle = throttle
	}
	return New(models.QueueNotification, q, h.handle, Options{
		Concurrency:  cfg.NotificationConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Backoff:      jobBackoff(cfg),
	})
}

func (h *notificationHandler) handle(ctx context.Context, job models.Job) (any, error) {
	var payload models.NotificationJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode notification payload: %w", err)
	}
	if len(payload.Channels) == 0 {
		return nil, errors.New("no channels requested")
	}

	result := models.NotificationJobResult{Errors: map[string]string{}}
	for _, name := range payload.Channels {
		notifier, ok := h.channels[name]
		if !ok {
			result.Errors[name] = "channel not configured"
			continue
		}
		if h.throttle != nil {
			if err := h.throttle.Wait(ctx, "notify:"+name); err != nil {
				result.Errors[name] = err.Error()
				continue
			}
		}
		if err := notifier.Send(ctx, payload); err != nil {
			result.Errors[name] = err.Error()
			continue
		}
		result.Delivered = append(result.Delivered, name)
	}

	// Partial delivery succeeds; only a total failure is retried.
	if len(result.Delivered) == 0 {
		return nil, fmt.Errorf("all channels failed: %v", result.Errors)
	}
	if len(result.Errors) == 0 {
		result.Errors = nil
	}
	return result, nil
}

// WebhookNotifier posts events to an HTTP endpoint.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, payload models.NotificationJobPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification webhook: status %d", resp.StatusCode)
	}
	return nil
}
