package plugin

import (
	"context"
	"errors"
	"testing"

	"bugreport-pipeline/internal/models"
)

type stubPlugin struct{ name string }

func (s *stubPlugin) Name() string { return s.name }
func (s *stubPlugin) CreateIssue(context.Context, models.BugReport) (Issue, error) {
	return Issue{ExternalID: s.name + "-1"}, nil
}
func (s *stubPlugin) UpdateIssue(context.Context, string, models.BugReport) (Issue, error) {
	return Issue{}, nil
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry(&stubPlugin{name: "jira"}, &stubPlugin{name: "linear"})

	p, err := reg.Resolve("jira")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Name() != "jira" {
		t.Fatalf("wrong plugin resolved: %s", p.Name())
	}

	if _, err := reg.Resolve("github"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected unknown platform error, got %v", err)
	}

	platforms := reg.Platforms()
	if len(platforms) != 2 {
		t.Fatalf("expected 2 platforms, got %v", platforms)
	}
}
