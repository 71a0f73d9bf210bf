package models

import "time"

// DeletionCertificate proves a specific set of report IDs was permanently
// destroyed without retaining the deleted data. Issued once per hard-delete
// batch and never mutated.
type DeletionCertificate struct {
	CertificateID      string    `json:"certificate_id"`
	ProjectID          string    `json:"project_id"`
	ReportIDs          []string  `json:"report_ids"`
	DeletedAt          time.Time `json:"deleted_at"`
	DeletedBy          string    `json:"deleted_by"` // user id or "system"
	Reason             string    `json:"reason"`
	DataClassification string    `json:"data_classification"`
	ComplianceRegion   string    `json:"compliance_region"`
	VerificationHash   string    `json:"verification_hash"`
	IssuedAt           time.Time `json:"issued_at"`
}

// Audit actions recorded for destructive or hold-changing operations.
const (
	AuditActionSoftDelete        = "soft_delete"
	AuditActionLegalHoldApplied  = "legal_hold_applied"
	AuditActionLegalHoldReleased = "legal_hold_released"
)

// RetentionAuditLog is one append-only entry per destructive or hold-changing
// action.
type RetentionAuditLog struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	ProjectIDs []string       `json:"project_ids"`
	ReportIDs  []string       `json:"report_ids"`
	UserID     *string        `json:"user_id,omitempty"` // nil for policy-driven actions
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
