package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states tracked in the broker.
const (
	StateWaiting         = "waiting"
	StateActive          = "active"
	StateCompleted       = "completed"
	StateFailed          = "failed"
	StateDelayed         = "delayed"
	StateWaitingChildren = "waiting-children"
	StatePrioritized     = "prioritized"
	StateUnknown         = "unknown"
)

// Queue names, one per worker type.
const (
	QueueScreenshot   = "screenshot"
	QueueReplay       = "replay"
	QueueIntegration  = "integration"
	QueueNotification = "notification"
)

// Job is a unit of asynchronous work held by the broker.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// JobStatus is the full bookkeeping view of a job returned to callers.
type JobStatus struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	State        string          `json:"state"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason *string         `json:"failed_reason,omitempty"`
	Stacktrace   *string         `json:"stacktrace,omitempty"`
	Attempts     int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// QueueMetrics are per-queue depth counts read from the broker.
type QueueMetrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// ScreenshotJobPayload asks the screenshot worker to thumbnail an upload.
type ScreenshotJobPayload struct {
	ReportID    string `json:"report_id"`
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type,omitempty"`
}

// ScreenshotJobResult is persisted as the job result on success.
type ScreenshotJobResult struct {
	ThumbnailKey string `json:"thumbnail_key"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bytes        int    `json:"bytes"`
}

// ReplayJobPayload asks the replay worker to chunk a session event stream.
type ReplayJobPayload struct {
	ReportID  string `json:"report_id"`
	ObjectKey string `json:"object_key"`
}

// ReplayJobResult reports the chunks written for a replay.
type ReplayJobResult struct {
	Chunks     int   `json:"chunks"`
	TotalBytes int64 `json:"total_bytes"`
	DurationMs int64 `json:"duration_ms"`
}

// IntegrationJobPayload asks the integration worker to sync a report to an
// external platform.
type IntegrationJobPayload struct {
	ReportID   string `json:"report_id"`
	Platform   string `json:"platform"`
	Action     string `json:"action"` // "create" or "update"
	ExternalID string `json:"external_id,omitempty"`
}

// IntegrationJobResult records the external issue reference.
type IntegrationJobResult struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url,omitempty"`
}

// NotificationJobPayload fans a report event out to channels.
type NotificationJobPayload struct {
	ReportID string   `json:"report_id"`
	Event    string   `json:"event"`
	Channels []string `json:"channels"`
	Message  string   `json:"message"`
}

// NotificationJobResult reports per-channel delivery outcomes.
type NotificationJobResult struct {
	Delivered []string          `json:"delivered"`
	Errors    map[string]string `json:"errors,omitempty"`
}
