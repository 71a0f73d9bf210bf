package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"bugreport-pipeline/internal/config"
	"bugreport-pipeline/internal/models"
	"bugreport-pipeline/internal/retry"
	"bugreport-pipeline/internal/storage"
	"bugreport-pipeline/internal/telemetry"
)

// reportStore is the slice of the repository the retention service needs.
// Declared here so tests can substitute fakes without a database.
type reportStore interface {
	ListProjects(ctx context.Context) ([]models.Project, error)
	FindEligibleForDeletion(ctx context.Context, projectID string, cutoff time.Time, limit int) ([]models.BugReport, error)
	SoftDeleteReports(ctx context.Context, ids []string, deletedBy *string) (int64, error)
	RestoreReports(ctx context.Context, ids []string) (int64, error)
	SetLegalHold(ctx context.Context, ids []string, hold bool) ([]models.DeletedReportRef, error)
	CountLegalHoldReports(ctx context.Context) (int64, error)
	HardDeleteReports(ctx context.Context, ids []string) ([]models.DeletedReportRef, error)
	InsertArchivedReports(ctx context.Context, reports []models.ArchivedBugReport) ([]models.ArchivedBugReport, error)
	InsertCertificate(ctx context.Context, cert models.DeletionCertificate) error
	AppendAudit(ctx context.Context, entry models.RetentionAuditLog) error
}

// minBreakerSample is the minimum number of processed reports before the
// sweep-wide error rate is allowed to abort a run. Below it a single early
// failure would dominate the rate.
const minBreakerSample = 10

// SweepOptions tune one retention sweep. Zero values fall back to the
// configured defaults.
type SweepOptions struct {
	// DryRun evaluates every policy without mutating anything.
	DryRun bool
	// BatchSize caps reports per project per sweep; clamped to the
	// configured maximum.
	BatchSize int
	// MaxErrorRate is the percentage of failed report deletions that
	// aborts the sweep once enough reports have been processed.
	MaxErrorRate float64
	// ProjectDelay spaces out per-project work to keep sweep load flat.
	ProjectDelay time.Duration
}

// SweepError records one per-project failure during a sweep.
type SweepError struct {
	ProjectID string    `json:"project_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SweepResult summarizes one retention sweep.
type SweepResult struct {
	StartedAt          time.Time    `json:"started_at"`
	FinishedAt         time.Time    `json:"finished_at"`
	DurationMs         int64        `json:"duration_ms"`
	DryRun             bool         `json:"dry_run"`
	ProjectsProcessed  int          `json:"projects_processed"`
	ReportsDeleted     int          `json:"reports_deleted"`
	ReportsArchived    int          `json:"reports_archived"`
	ScreenshotsDeleted int          `json:"screenshots_deleted"`
	ReplaysDeleted     int          `json:"replays_deleted"`
	BytesFreed         int64        `json:"bytes_freed"`
	Errors             []SweepError `json:"errors,omitempty"`
	Aborted            bool         `json:"aborted"`
}

// ProjectPreview is the per-project slice of a dry-run preview.
type ProjectPreview struct {
	ProjectID      string     `json:"project_id"`
	ProjectName    string     `json:"project_name"`
	RetentionDays  int        `json:"retention_days"`
	WouldDelete    int        `json:"would_delete"`
	EstimatedBytes int64      `json:"estimated_bytes"`
	OldestReport   *time.Time `json:"oldest_report,omitempty"`
}

// Preview estimates what the next sweep would do without touching anything.
type Preview struct {
	GeneratedAt         time.Time        `json:"generated_at"`
	Projects            []ProjectPreview `json:"projects"`
	TotalReports        int              `json:"total_reports"`
	TotalEstimatedBytes int64            `json:"total_estimated_bytes"`
	LegalHoldReports    int64            `json:"legal_hold_reports"`
}

// Service drives the report lifecycle: policy sweeps, archival, hard
// deletion with certificates, legal holds, and restores.
type Service struct {
	store    reportStore
	objects  storage.ObjectStore
	archiver storage.Archiver
	cfg      config.Config
}

func NewService(store reportStore, objects storage.ObjectStore, archiver storage.Archiver, cfg config.Config) *Service {
	return &Service{
		store:    store,
		objects:  objects,
		archiver: archiver,
		cfg:      cfg,
	}
}

func (s *Service) normalize(opts SweepOptions) SweepOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.RetentionBatchSize
	}
	if limit := s.cfg.RetentionMaxBatchSize; limit > 0 && opts.BatchSize > limit {
		opts.BatchSize = limit
	}
	if opts.MaxErrorRate <= 0 {
		opts.MaxErrorRate = s.cfg.RetentionMaxErrorRate
	}
	if opts.ProjectDelay < 0 {
		opts.ProjectDelay = 0
	} else if opts.ProjectDelay == 0 {
		opts.ProjectDelay = s.cfg.RetentionProjectDelay
	}
	return opts
}

// ApplyRetentionPolicies runs one sweep over every project with a retention
// policy. A single project failing is recorded and skipped; the sweep only
// aborts when the report-level error rate crosses MaxErrorRate after at
// least minBreakerSample reports have been attempted.
func (s *Service) ApplyRetentionPolicies(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	opts = s.normalize(opts)
	result := SweepResult{StartedAt: time.Now().UTC(), DryRun: opts.DryRun}

	projects, err := retry.DoValue(ctx, retry.Config{RetryIf: retry.IsTransient}, s.store.ListProjects)
	if err != nil {
		return result, fmt.Errorf("list projects: %w", err)
	}

	slog.Info("retention sweep starting",
		"projects", len(projects),
		"batch_size", opts.BatchSize,
		"dry_run", opts.DryRun)

	for i, p := range projects {
		if p.Retention == nil {
			continue
		}
		step, err := s.applyProjectPolicy(ctx, p, opts)
		if err != nil {
			telemetry.RetentionErrors.Inc()
			slog.Error("retention sweep project failed",
				"project", p.ID, "error", err)
			result.Errors = append(result.Errors, SweepError{
				ProjectID: p.ID,
				Message:   err.Error(),
				Timestamp: time.Now().UTC(),
			})
		} else {
			result.ProjectsProcessed++
			result.ReportsDeleted += step.deleted
			result.ReportsArchived += step.archived
			result.ScreenshotsDeleted += step.screenshots
			result.ReplaysDeleted += step.replays
			result.BytesFreed += step.bytesFreed
		}

		attempts := result.ReportsDeleted + len(result.Errors)
		if attempts > minBreakerSample {
			rate := float64(len(result.Errors)) / float64(attempts) * 100
			if rate > opts.MaxErrorRate {
				slog.Error("retention sweep aborted: error rate too high",
					"error_rate_pct", rate,
					"max_error_rate_pct", opts.MaxErrorRate,
					"reports_deleted", result.ReportsDeleted,
					"errors", len(result.Errors))
				result.Aborted = true
				break
			}
		}

		if opts.ProjectDelay > 0 && i < len(projects)-1 {
			select {
			case <-time.After(opts.ProjectDelay):
			case <-ctx.Done():
				result.FinishedAt = time.Now().UTC()
				result.DurationMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
				return result, ctx.Err()
			}
		}
	}

	result.FinishedAt = time.Now().UTC()
	result.DurationMs = result.FinishedAt.Sub(result.StartedAt).Milliseconds()
	slog.Info("retention sweep finished",
		"projects_processed", result.ProjectsProcessed,
		"reports_deleted", result.ReportsDeleted,
		"reports_archived", result.ReportsArchived,
		"bytes_freed", result.BytesFreed,
		"errors", len(result.Errors),
		"aborted", result.Aborted,
		"duration_ms", result.DurationMs)
	return result, nil
}

type projectStep struct {
	deleted     int
	archived    int
	screenshots int
	replays     int
	bytesFreed  int64
}

func (s *Service) applyProjectPolicy(ctx context.Context, p models.Project, opts SweepOptions) (projectStep, error) {
	var step projectStep
	cutoff := time.Now().UTC().AddDate(0, 0, -p.Retention.BugReportRetentionDays)

	reports, err := retry.DoValue(ctx, retry.Config{RetryIf: retry.IsTransient}, func(ctx context.Context) ([]models.BugReport, error) {
		return s.store.FindEligibleForDeletion(ctx, p.ID, cutoff, opts.BatchSize)
	})
	if err != nil {
		return step, fmt.Errorf("find eligible reports: %w", err)
	}
	if len(reports) == 0 {
		return step, nil
	}

	for _, r := range reports {
		step.screenshots += len(r.ScreenshotKeys)
		step.replays += len(r.ReplayKeys)
	}

	if opts.DryRun {
		step.deleted = len(reports)
		slog.Info("retention dry run",
			"project", p.ID,
			"would_delete", len(reports),
			"retention_days", p.Retention.BugReportRetentionDays)
		return step, nil
	}

	if p.Retention.ArchiveBeforeDelete {
		archived, stats, err := s.ArchiveReports(ctx, reports, "retention_policy")
		if err != nil {
			return projectStep{}, fmt.Errorf("archive reports: %w", err)
		}
		step.archived = len(archived)
		step.bytesFreed = stats.BytesArchived
	} else {
		stats, err := s.archiver.ArchiveBatch(ctx, mediaKeys(reports))
		if err != nil {
			return projectStep{}, fmt.Errorf("delete report media: %w", err)
		}
		step.bytesFreed = stats.BytesArchived
	}

	ids := make([]string, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	n, err := s.store.SoftDeleteReports(ctx, ids, nil)
	if err != nil {
		return projectStep{}, fmt.Errorf("soft delete reports: %w", err)
	}
	step.deleted = int(n)

	telemetry.RetentionDeleted.Add(float64(step.deleted))
	telemetry.RetentionArchived.Add(float64(step.archived))
	telemetry.RetentionBytesFreed.Add(float64(step.bytesFreed))

	if err := s.store.AppendAudit(ctx, models.RetentionAuditLog{
		Action:     models.AuditActionSoftDelete,
		Resource:   "project",
		ResourceID: p.ID,
		ProjectIDs: []string{p.ID},
		ReportIDs:  ids,
		Details: map[string]any{
			"retention_days": p.Retention.BugReportRetentionDays,
			"archived":       step.archived,
			"bytes_freed":    step.bytesFreed,
			"reason":         "retention_policy",
		},
		Timestamp: time.Now().UTC(),
	}); err != nil {
		// The deletion already happened; a missing audit row is logged,
		// not unwound.
		slog.Error("append audit log failed", "project", p.ID, "error", err)
	}

	slog.Info("retention policy applied",
		"project", p.ID,
		"deleted", step.deleted,
		"archived", step.archived,
		"bytes_freed", step.bytesFreed)
	return step, nil
}

// ArchiveReports disposes of the reports' storage media, then writes archive
// rows. Re-running a partially committed batch is safe: archive inserts
// ignore existing rows and only newly inserted copies are returned.
func (s *Service) ArchiveReports(ctx context.Context, reports []models.BugReport, reason string) ([]models.ArchivedBugReport, storage.ArchiveStats, error) {
	if len(reports) == 0 {
		return nil, storage.ArchiveStats{}, nil
	}

	stats, err := s.archiver.ArchiveBatch(ctx, mediaKeys(reports))
	if err != nil {
		return nil, stats, fmt.Errorf("archive report media: %w", err)
	}

	now := time.Now().UTC()
	rows := make([]models.ArchivedBugReport, len(reports))
	for i, r := range reports {
		rows[i] = models.ArchivedBugReport{
			ID:            r.ID,
			ProjectID:     r.ProjectID,
			Title:         r.Title,
			Description:   r.Description,
			ReporterEmail: r.ReporterEmail,
			Reason:        reason,
			CreatedAt:     r.CreatedAt,
			ArchivedAt:    now,
		}
	}
	inserted, err := s.store.InsertArchivedReports(ctx, rows)
	if err != nil {
		return nil, stats, fmt.Errorf("insert archived reports: %w", err)
	}
	return inserted, stats, nil
}

// HardDeleteReports permanently removes reports, skipping any on legal hold,
// and optionally issues a deletion certificate over the rows actually
// removed. Returns nil when nothing was deleted.
func (s *Service) HardDeleteReports(ctx context.Context, reportIDs []string, userID string, generateCertificate bool) (*models.DeletionCertificate, error) {
	refs, err := s.store.HardDeleteReports(ctx, reportIDs)
	if err != nil {
		return nil, fmt.Errorf("hard delete reports: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}

	deletedIDs := make([]string, len(refs))
	for i, ref := range refs {
		deletedIDs[i] = ref.ID
	}
	slog.Info("reports hard deleted",
		"requested", len(reportIDs),
		"deleted", len(refs),
		"user", userID)

	if !generateCertificate {
		return nil, nil
	}

	// Hard deletes are issued per project; mixed batches are certified
	// under the first deleted row's project.
	cert, err := IssueCertificate(refs[0].ProjectID, deletedIDs, time.Now().UTC(),
		userID, "hard_delete", s.cfg.DataClassification, s.cfg.ComplianceRegion)
	if err != nil {
		return nil, fmt.Errorf("issue certificate: %w", err)
	}
	if err := s.store.InsertCertificate(ctx, cert); err != nil {
		return nil, fmt.Errorf("persist certificate: %w", err)
	}
	return &cert, nil
}

// RestoreReports clears soft-delete markers. Reports whose rows were already
// moved to the archive table stay deleted; only the count of rows actually
// restored is returned.
func (s *Service) RestoreReports(ctx context.Context, reportIDs []string) (int64, error) {
	n, err := s.store.RestoreReports(ctx, reportIDs)
	if err != nil {
		return 0, fmt.Errorf("restore reports: %w", err)
	}
	if n > 0 {
		slog.Info("reports restored", "requested", len(reportIDs), "restored", n)
	}
	return n, nil
}

// SetLegalHold applies or releases legal hold on the given reports and
// audits the change. Returns how many reports were affected.
func (s *Service) SetLegalHold(ctx context.Context, reportIDs []string, hold bool, userID string) (int64, error) {
	refs, err := s.store.SetLegalHold(ctx, reportIDs, hold)
	if err != nil {
		return 0, fmt.Errorf("set legal hold: %w", err)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(refs))
	projectSet := map[string]struct{}{}
	for i, ref := range refs {
		ids[i] = ref.ID
		projectSet[ref.ProjectID] = struct{}{}
	}
	projectIDs := make([]string, 0, len(projectSet))
	for id := range projectSet {
		projectIDs = append(projectIDs, id)
	}
	sort.Strings(projectIDs)

	action := models.AuditActionLegalHoldApplied
	if !hold {
		action = models.AuditActionLegalHoldReleased
	}
	var user *string
	if userID != "" {
		user = &userID
	}
	if err := s.store.AppendAudit(ctx, models.RetentionAuditLog{
		Action:     action,
		Resource:   "bug_report",
		ResourceID: ids[0],
		ProjectIDs: projectIDs,
		ReportIDs:  ids,
		UserID:     user,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		slog.Error("append audit log failed", "action", action, "error", err)
	}

	slog.Info("legal hold updated", "hold", hold, "reports", len(refs), "user", userID)
	return int64(len(refs)), nil
}

// PreviewRetentionPolicy estimates the next sweep's impact. An empty
// projectID previews every project with a policy. Byte estimates come from
// head-object lookups and skip objects that are already gone.
func (s *Service) PreviewRetentionPolicy(ctx context.Context, projectID string) (Preview, error) {
	preview := Preview{GeneratedAt: time.Now().UTC()}

	projects, err := retry.DoValue(ctx, retry.Config{RetryIf: retry.IsTransient}, s.store.ListProjects)
	if err != nil {
		return preview, fmt.Errorf("list projects: %w", err)
	}

	for _, p := range projects {
		if p.Retention == nil {
			continue
		}
		if projectID != "" && p.ID != projectID {
			continue
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -p.Retention.BugReportRetentionDays)
		reports, err := s.store.FindEligibleForDeletion(ctx, p.ID, cutoff, s.cfg.RetentionMaxBatchSize)
		if err != nil {
			return preview, fmt.Errorf("find eligible reports for %s: %w", p.ID, err)
		}

		pp := ProjectPreview{
			ProjectID:     p.ID,
			ProjectName:   p.Name,
			RetentionDays: p.Retention.BugReportRetentionDays,
			WouldDelete:   len(reports),
		}
		for _, r := range reports {
			if pp.OldestReport == nil || r.CreatedAt.Before(*pp.OldestReport) {
				t := r.CreatedAt
				pp.OldestReport = &t
			}
			for _, key := range r.MediaKeys() {
				info, err := s.objects.Head(ctx, key)
				if err != nil {
					slog.Warn("preview head failed", "key", key, "error", err)
					continue
				}
				if info != nil {
					pp.EstimatedBytes += info.Size
				}
			}
		}
		preview.Projects = append(preview.Projects, pp)
		preview.TotalReports += pp.WouldDelete
		preview.TotalEstimatedBytes += pp.EstimatedBytes
	}

	held, err := s.store.CountLegalHoldReports(ctx)
	if err != nil {
		return preview, fmt.Errorf("count legal hold reports: %w", err)
	}
	preview.LegalHoldReports = held
	return preview, nil
}

func mediaKeys(reports []models.BugReport) []string {
	var keys []string
	for _, r := range reports {
		keys = append(keys, r.MediaKeys()...)
	}
	return keys
}
