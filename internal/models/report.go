package models

import "time"

// Project owns bug reports and carries an optional retention policy.
// A project without a policy is skipped entirely by the retention sweep.
type Project struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"created_at"`
	Retention *RetentionPolicy `json:"retention,omitempty"`
}

// RetentionPolicy is per-project retention configuration.
type RetentionPolicy struct {
	BugReportRetentionDays int  `json:"bug_report_retention_days"`
	ArchiveBeforeDelete    bool `json:"archive_before_delete"`
}

// BugReport is the externally-owned record the lifecycle engine acts on.
// A report with LegalHold set is never selected for deletion by policy.
type BugReport struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	ReporterEmail  string     `json:"reporter_email,omitempty"`
	ScreenshotKeys []string   `json:"screenshot_keys,omitempty"`
	ReplayKeys     []string   `json:"replay_keys,omitempty"`
	ThumbnailKey   *string    `json:"thumbnail_key,omitempty"`
	TicketRef      *string    `json:"ticket_ref,omitempty"`
	LegalHold      bool       `json:"legal_hold"`
	CreatedAt      time.Time  `json:"created_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	DeletedBy      *string    `json:"deleted_by,omitempty"`
}

// MediaKeys lists every storage object attached to the report. Sizes are
// resolved through the storage head-object contract, not stored here.
func (r BugReport) MediaKeys() []string {
	keys := make([]string, 0, len(r.ScreenshotKeys)+len(r.ReplayKeys))
	keys = append(keys, r.ScreenshotKeys...)
	keys = append(keys, r.ReplayKeys...)
	return keys
}

// ArchivedBugReport is an immutable copy of a report's fields taken at
// deletion time. archived_at is never earlier than the report's deleted_at.
type ArchivedBugReport struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	ReporterEmail string    `json:"reporter_email,omitempty"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// DeletedReportRef identifies a report affected by a destructive operation.
type DeletedReportRef struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
}
