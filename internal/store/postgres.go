package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bugreport-pipeline/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of projects, bug reports,
// archives, certificates, and the retention audit trail.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ListProjects returns every project with its retention policy when one is
// configured, ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name, p.created_at, rp.bug_report_retention_days, rp.archive_before_delete
		FROM projects p
		LEFT JOIN retention_policies rp ON rp.project_id = p.id
		ORDER BY p.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		var days pgtype.Int4
		var archive pgtype.Bool
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &days, &archive); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if days.Valid {
			p.Retention = &models.RetentionPolicy{
				BugReportRetentionDays: int(days.Int32),
				ArchiveBeforeDelete:    archive.Valid && archive.Bool,
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProject fetches one project with its policy.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	var p models.Project
	var days pgtype.Int4
	var archive pgtype.Bool
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.name, p.created_at, rp.bug_report_retention_days, rp.archive_before_delete
		FROM projects p
		LEFT JOIN retention_policies rp ON rp.project_id = p.id
		WHERE p.id = $1
	`, id).Scan(&p.ID, &p.Name, &p.CreatedAt, &days, &archive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Project{}, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	if days.Valid {
		p.Retention = &models.RetentionPolicy{
			BugReportRetentionDays: int(days.Int32),
			ArchiveBeforeDelete:    archive.Valid && archive.Bool,
		}
	}
	return p, nil
}

const reportColumns = `id, project_id, title, description, reporter_email,
	screenshot_keys, replay_keys, thumbnail_key, ticket_ref, legal_hold,
	created_at, deleted_at, deleted_by`

func scanReport(row pgx.Row) (models.BugReport, error) {
	var r models.BugReport
	var description, reporter pgtype.Text
	var thumb, ticket, deletedBy pgtype.Text
	var deletedAt pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.ProjectID, &r.Title, &description, &reporter,
		&r.ScreenshotKeys, &r.ReplayKeys, &thumb, &ticket, &r.LegalHold,
		&r.CreatedAt, &deletedAt, &deletedBy)
	if err != nil {
		return models.BugReport{}, err
	}
	r.Description = description.String
	r.ReporterEmail = reporter.String
	r.ThumbnailKey = textPtr(thumb)
	r.TicketRef = textPtr(ticket)
	r.DeletedBy = textPtr(deletedBy)
	if deletedAt.Valid {
		t := deletedAt.Time
		r.DeletedAt = &t
	}
	return r, nil
}

// GetReport fetches one bug report.
func (s *Store) GetReport(ctx context.Context, id string) (models.BugReport, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM bug_reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BugReport{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.BugReport{}, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

// FindEligibleForDeletion returns reports older than the cutoff that are
// neither deleted nor on legal hold, oldest first.
func (s *Store) FindEligibleForDeletion(ctx context.Context, projectID string, cutoff time.Time, limit int) ([]models.BugReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM bug_reports
		WHERE project_id = $1
		  AND created_at < $2
		  AND deleted_at IS NULL
		  AND legal_hold = FALSE
		ORDER BY created_at
		LIMIT $3
	`, projectID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find eligible reports: %w", err)
	}
	defer rows.Close()

	var out []models.BugReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SoftDeleteReports marks reports deleted. Reports on legal hold are never
// touched, even if a caller passes their ids.
func (s *Store) SoftDeleteReports(ctx context.Context, ids []string, deletedBy *string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bug_reports
		SET deleted_at = NOW(), deleted_by = $2
		WHERE id = ANY($1) AND deleted_at IS NULL AND legal_hold = FALSE
	`, ids, deletedBy)
	if err != nil {
		return 0, fmt.Errorf("soft delete reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RestoreReports clears the soft-delete marker on still-soft-deleted rows.
// Rows already moved to the archive table cannot be restored.
func (s *Store) RestoreReports(ctx context.Context, ids []string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bug_reports
		SET deleted_at = NULL, deleted_by = NULL
		WHERE id = ANY($1) AND deleted_at IS NOT NULL
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("restore reports: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetLegalHold flips the hold flag and returns the affected report refs.
// Nonexistent ids simply affect zero rows.
func (s *Store) SetLegalHold(ctx context.Context, ids []string, hold bool) ([]models.DeletedReportRef, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE bug_reports
		SET legal_hold = $2
		WHERE id = ANY($1)
		RETURNING id, project_id
	`, ids, hold)
	if err != nil {
		return nil, fmt.Errorf("set legal hold: %w", err)
	}
	defer rows.Close()
	return collectRefs(rows)
}

// CountLegalHoldReports counts reports currently protected by legal hold.
func (s *Store) CountLegalHoldReports(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bug_reports WHERE legal_hold = TRUE
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count legal hold reports: %w", err)
	}
	return n, nil
}

// HardDeleteReports permanently removes the given reports inside a single
// transaction, silently excluding rows on legal hold. Returns the refs of
// the rows actually deleted.
func (s *Store) HardDeleteReports(ctx context.Context, ids []string) ([]models.DeletedReportRef, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	rows, err := tx.Query(ctx, `
		DELETE FROM bug_reports
		WHERE id = ANY($1) AND legal_hold = FALSE
		RETURNING id, project_id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("hard delete reports: %w", err)
	}
	refs, err := collectRefs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit hard delete: %w", err)
	}
	return refs, nil
}

// InsertArchivedReports inserts archive copies in one batched statement.
// Conflicts on the primary key are ignored so retried batches are safe; only
// the rows actually inserted are returned.
func (s *Store) InsertArchivedReports(ctx context.Context, reports []models.ArchivedBugReport) ([]models.ArchivedBugReport, error) {
	if len(reports) == 0 {
		return nil, nil
	}
	ids := make([]string, len(reports))
	projectIDs := make([]string, len(reports))
	titles := make([]string, len(reports))
	descriptions := make([]string, len(reports))
	reporters := make([]string, len(reports))
	reasons := make([]string, len(reports))
	createdAts := make([]time.Time, len(reports))
	archivedAts := make([]time.Time, len(reports))
	byID := make(map[string]models.ArchivedBugReport, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
		projectIDs[i] = r.ProjectID
		titles[i] = r.Title
		descriptions[i] = r.Description
		reporters[i] = r.ReporterEmail
		reasons[i] = r.Reason
		createdAts[i] = r.CreatedAt
		archivedAts[i] = r.ArchivedAt
		byID[r.ID] = r
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO archived_bug_reports
			(id, project_id, title, description, reporter_email, reason, created_at, archived_at)
		SELECT * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::text[],
			$5::text[], $6::text[], $7::timestamptz[], $8::timestamptz[])
		ON CONFLICT (id) DO NOTHING
		RETURNING id
	`, ids, projectIDs, titles, descriptions, reporters, reasons, createdAts, archivedAts)
	if err != nil {
		return nil, fmt.Errorf("insert archived reports: %w", err)
	}
	defer rows.Close()

	var inserted []models.ArchivedBugReport
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archived id: %w", err)
		}
		inserted = append(inserted, byID[id])
	}
	return inserted, rows.Err()
}

// InsertCertificate persists an issued deletion certificate.
func (s *Store) InsertCertificate(ctx context.Context, cert models.DeletionCertificate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deletion_certificates
			(certificate_id, project_id, report_ids, deleted_at, deleted_by,
			 reason, data_classification, compliance_region, verification_hash, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, cert.CertificateID, cert.ProjectID, cert.ReportIDs, cert.DeletedAt, cert.DeletedBy,
		cert.Reason, cert.DataClassification, cert.ComplianceRegion, cert.VerificationHash, cert.IssuedAt)
	if err != nil {
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

// AppendAudit adds one append-only audit row.
func (s *Store) AppendAudit(ctx context.Context, entry models.RetentionAuditLog) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO retention_audit_logs
			(action, resource, resource_id, project_ids, report_ids, user_id, details, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.Action, entry.Resource, entry.ResourceID, entry.ProjectIDs, entry.ReportIDs,
		entry.UserID, details, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// AttachThumbnail records the processed thumbnail key on a report.
func (s *Store) AttachThumbnail(ctx context.Context, reportID, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bug_reports SET thumbnail_key = $2 WHERE id = $1
	`, reportID, key)
	return err
}

// SetReplayKeys replaces a report's replay chunk keys after processing.
func (s *Store) SetReplayKeys(ctx context.Context, reportID string, keys []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bug_reports SET replay_keys = $2 WHERE id = $1
	`, reportID, keys)
	return err
}

// SaveTicketRef stores the external issue reference created by an
// integration sync.
func (s *Store) SaveTicketRef(ctx context.Context, reportID, ref string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE bug_reports SET ticket_ref = $2 WHERE id = $1
	`, reportID, ref)
	return err
}

func collectRefs(rows pgx.Rows) ([]models.DeletedReportRef, error) {
	var refs []models.DeletedReportRef
	for rows.Next() {
		var ref models.DeletedReportRef
		if err := rows.Scan(&ref.ID, &ref.ProjectID); err != nil {
			return nil, fmt.Errorf("scan report ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
