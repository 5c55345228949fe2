package models

import (
	"fmt"
	"strings"
	"time"
)

// AuditOperation names an audited catalog event.
type AuditOperation string

const (
	AuditCapture   AuditOperation = "capture"
	AuditVerify    AuditOperation = "verify"
	AuditCorrupt   AuditOperation = "corrupt"
	AuditRepair    AuditOperation = "repair"
	AuditReplicate AuditOperation = "replicate"
	AuditDegrade   AuditOperation = "degrade"
	AuditRestore   AuditOperation = "restore"
	AuditDelete    AuditOperation = "delete"
	AuditPin       AuditOperation = "pin"
	AuditUnpin     AuditOperation = "unpin"
)

// AuditOutcome is the result recorded with an audit entry.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeSkipped AuditOutcome = "skipped"
)

// SystemActor is recorded for events not driven by a caller.
const SystemActor = "system"

var validAuditOperations = map[AuditOperation]struct{}{
	AuditCapture:   {},
	AuditVerify:    {},
	AuditCorrupt:   {},
	AuditRepair:    {},
	AuditReplicate: {},
	AuditDegrade:   {},
	AuditRestore:   {},
	AuditDelete:    {},
	AuditPin:       {},
	AuditUnpin:     {},
}

// AuditEntry is one append-only event in the catalog log.
type AuditEntry struct {
	ID         int64          `json:"id"`
	Operation  AuditOperation `json:"operation"`
	BackupID   string         `json:"backup_id,omitempty"`
	ContractID string         `json:"contract_id"`
	Actor      string         `json:"actor"`
	Outcome    AuditOutcome   `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Restoration is the history row written for every restore attempt.
type Restoration struct {
	ID                 string    `json:"id"`
	BackupID           string    `json:"backup_id"`
	ContractID         string    `json:"contract_id"`
	RestoredBy         string    `json:"restored_by"`
	DurationMS         int64     `json:"duration_ms"`
	Success            bool      `json:"success"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	PreRestoreBackupID string    `json:"pre_restore_backup_id,omitempty"`
	RestoredAt         time.Time `json:"restored_at"`
}

// Stats summarizes the catalog.
type Stats struct {
	Contracts       int                        `json:"contracts"`
	Backups         int                        `json:"backups"`
	Pinned          int                        `json:"pinned"`
	ByStatus        map[VerificationStatus]int `json:"by_status"`
	Blobs           int                        `json:"blobs"`
	StoredBytes     int64                      `json:"stored_bytes"`
	LogicalBytes    int64                      `json:"logical_bytes"`
	GeoRedundant    int                        `json:"geo_redundant"`
	DegradedRegions int                        `json:"degraded_regions"`
	PendingRegions  int                        `json:"pending_regions"`
	Restorations    int                        `json:"restorations"`
	FailedRestores  int                        `json:"failed_restorations"`
	OldestBackupAt  *time.Time                 `json:"oldest_backup_at,omitempty"`
	NewestBackupAt  *time.Time                 `json:"newest_backup_at,omitempty"`
}

// DedupRatio is logical bytes over stored bytes; 1 when nothing is stored.
func (s Stats) DedupRatio() float64 {
	if s.StoredBytes <= 0 {
		return 1
	}
	return float64(s.LogicalBytes) / float64(s.StoredBytes)
}

func ParseAuditOperation(raw string) (AuditOperation, error) {
	value := AuditOperation(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("audit operation is required")
	}
	if _, ok := validAuditOperations[value]; !ok {
		return "", fmt.Errorf("invalid audit operation: %s", value)
	}
	return value, nil
}
