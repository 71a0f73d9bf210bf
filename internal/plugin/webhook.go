package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"bugreport-pipeline/internal/models"
)

// WebhookPlugin posts issue events to a generic HTTP endpoint. It stands in
// for platform-specific clients, which live outside this module.
type WebhookPlugin struct {
	name       string
	url        string
	httpClient *http.Client
}

func NewWebhookPlugin(name, url string) *WebhookPlugin {
	return &WebhookPlugin{
		name: name,
		url:  url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (p *WebhookPlugin) Name() string { return p.name }

type webhookEvent struct {
	Action      string `json:"action"`
	ExternalID  string `json:"external_id"`
	ReportID    string `json:"report_id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (p *WebhookPlugin) CreateIssue(ctx context.Context, report models.BugReport) (Issue, error) {
	externalID := uuid.New().String()
	event := webhookEvent{
		Action:      "create",
		ExternalID:  externalID,
		ReportID:    report.ID,
		ProjectID:   report.ProjectID,
		Title:       report.Title,
		Description: report.Description,
	}
	if err := p.post(ctx, event); err != nil {
		return Issue{}, err
	}
	return Issue{ExternalID: externalID}, nil
}

func (p *WebhookPlugin) UpdateIssue(ctx context.Context, externalID string, report models.BugReport) (Issue, error) {
	event := webhookEvent{
		Action:      "update",
		ExternalID:  externalID,
		ReportID:    report.ID,
		ProjectID:   report.ProjectID,
		Title:       report.Title,
		Description: report.Description,
	}
	if err := p.post(ctx, event); err != nil {
		return Issue{}, err
	}
	return Issue{ExternalID: externalID}, nil
}

func (p *WebhookPlugin) post(ctx context.Context, event webhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook %s: status %d", p.name, resp.StatusCode)
	}
	return nil
}
