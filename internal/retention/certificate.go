package retention

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"bugreport-pipeline/internal/models"
)

// certificateSeal is the canonical hash input. Field order is fixed by the
// struct, report ids are sorted, and the timestamp is rendered in UTC, so
// the hash is deterministic and independent of input ordering.
type certificateSeal struct {
	CertificateID    string   `json:"certificateId"`
	ProjectID        string   `json:"projectId"`
	ReportIDs        []string `json:"reportIds"`
	DeletedAt        string   `json:"deletedAt"`
	ComplianceRegion string   `json:"complianceRegion"`
}

// CertificateHash computes the verification hash over the canonical seal.
func CertificateHash(certificateID, projectID string, reportIDs []string, deletedAt time.Time, region string) (string, error) {
	ids := make([]string, len(reportIDs))
	copy(ids, reportIDs)
	sort.Strings(ids)

	seal := certificateSeal{
		CertificateID:    certificateID,
		ProjectID:        projectID,
		ReportIDs:        ids,
		DeletedAt:        deletedAt.UTC().Format(time.RFC3339Nano),
		ComplianceRegion: region,
	}
	raw, err := json.Marshal(seal)
	if err != nil {
		return "", fmt.Errorf("marshal certificate seal: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// IssueCertificate builds a signed deletion certificate for one hard-delete
// batch.
func IssueCertificate(projectID string, reportIDs []string, deletedAt time.Time, actor, reason, classification, region string) (models.DeletionCertificate, error) {
	if actor == "" {
		actor = "system"
	}
	ids := make([]string, len(reportIDs))
	copy(ids, reportIDs)
	sort.Strings(ids)

	certID := uuid.New().String()
	hash, err := CertificateHash(certID, projectID, ids, deletedAt, region)
	if err != nil {
		return models.DeletionCertificate{}, err
	}
	return models.DeletionCertificate{
		CertificateID:      certID,
		ProjectID:          projectID,
		ReportIDs:          ids,
		DeletedAt:          deletedAt,
		DeletedBy:          actor,
		Reason:             reason,
		DataClassification: classification,
		ComplianceRegion:   region,
		VerificationHash:   hash,
		IssuedAt:           time.Now().UTC(),
	}, nil
}
