package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/plugin"
	"bugreport-pipeline/internal/queue"
)

// ErrNoPluginRegistry is fatal at startup: an enabled integration worker
// cannot run without a registry.
var ErrNoPluginRegistry = errors.New("integration worker requires a plugin registry")

// IntegrationStore is the slice of the repository the integration worker
// needs.
type IntegrationStore interface {
	GetReport(ctx context.Context, id string) (models.BugReport, error)
	SaveTicketRef(ctx context.Context, reportID, ref string) error
}

type integrationHandler struct {
	registry *plugin.Registry
	store    IntegrationStore
	breaker  *gobreaker.CircuitBreaker
}

// NewIntegrationWorker builds the worker that syncs reports to external
// issue trackers. Platform calls go through a circuit breaker so a dead
// tracker doesn't burn every attempt of every job.
func NewIntegrationWorker(q *queue.Manager, registry *plugin.Registry, store IntegrationStore, cfg config.Config) (*Worker, error) {
	if registry == nil {
		return nil, ErrNoPluginRegistry
	}
	h := &integrationHandler{
		registry: registry,
		store:    store,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "platform-sync",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	return New(models.QueueIntegration, q, h.handle, Options{
		Concurrency:  cfg.IntegrationConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		Backoff:      jobBackoff(cfg),
	}), nil
}

func (h *integrationHandler) handle(ctx context.Context, job models.Job) (any, error) {
	var payload models.IntegrationJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode integration payload: %w", err)
	}

	client, err := h.registry.Resolve(payload.Platform)
	if err != nil {
		return nil, err
	}
	report, err := h.store.GetReport(ctx, payload.ReportID)
	if err != nil {
		return nil, fmt.Errorf("load report: %w", err)
	}

	res, err := h.breaker.Execute(func() (any, error) {
		switch payload.Action {
		case "update":
			if payload.ExternalID == "" {
				return plugin.Issue{}, errors.New("update requires external_id")
			}
			return client.UpdateIssue(ctx, payload.ExternalID, report)
		default:
			return client.CreateIssue(ctx, report)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sync to %s: %w", payload.Platform, err)
	}
	issue := res.(plugin.Issue)

	ref := payload.Platform + ":" + issue.ExternalID
	if err := h.store.SaveTicketRef(ctx, report.ID, ref); err != nil {
		return nil, fmt.Errorf("save ticket ref: %w", err)
	}
	return models.IntegrationJobResult{
		ExternalID:  issue.ExternalID,
		ExternalURL: issue.ExternalURL,
	}, nil
}
