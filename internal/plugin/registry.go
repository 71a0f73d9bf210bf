package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bugreport-pipeline/internal/models"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Issue is the external-tracker view of a bug report.
type Issue struct {
	ExternalID  string `json:"external_id"`
	ExternalURL string `json:"external_url,omitempty"`
}

// Plugin is a client capable of creating or updating an issue on one
// external platform.
type Plugin interface {
	Name() string
	CreateIssue(ctx context.Context, report models.BugReport) (Issue, error)
	UpdateIssue(ctx context.Context, externalID string, report models.BugReport) (Issue, error)
}

// Registry resolves named platform plugins for the integration worker.
type Registry struct {
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{plugins: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		r.plugins[p.Name()] = p
	}
	return r
}

// Register adds or replaces a plugin.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Resolve returns the plugin for a platform.
func (r *Registry) Resolve(platform string) (Plugin, error) {
	p, ok := r.plugins[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return p, nil
}

// Platforms lists registered platform names, sorted.
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
