package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// VerificationStatus is the integrity state recorded for one backup.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationCorrupt    VerificationStatus = "corrupt"
)

// RegionState is the replication state of one backup in one region.
type RegionState string

const (
	RegionPending  RegionState = "pending"
	RegionComplete RegionState = "complete"
	RegionFailed   RegionState = "failed"
	RegionDegraded RegionState = "degraded"
)

// BackupTrigger records why a backup was captured.
type BackupTrigger string

const (
	TriggerScheduled  BackupTrigger = "scheduled"
	TriggerManual     BackupTrigger = "manual"
	TriggerPreRestore BackupTrigger = "pre_restore"
	TriggerRepair     BackupTrigger = "repair"
)

// BackupDateLayout formats the calendar day used for same-day capture dedupe.
const BackupDateLayout = "2006-01-02"

var validVerificationStatuses = map[VerificationStatus]struct{}{
	VerificationUnverified: {},
	VerificationVerified:   {},
	VerificationCorrupt:    {},
}

var validRegionStates = map[RegionState]struct{}{
	RegionPending:  {},
	RegionComplete: {},
	RegionFailed:   {},
	RegionDegraded: {},
}

var validBackupTriggers = map[BackupTrigger]struct{}{
	TriggerScheduled:  {},
	TriggerManual:     {},
	TriggerPreRestore: {},
	TriggerRepair:     {},
}

var contractIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Backup is one immutable point-in-time capture of a contract.
type Backup struct {
	ID                 string                  `json:"id"`
	ContractID         string                  `json:"contract_id"`
	CreatedAt          time.Time               `json:"created_at"`
	BackupDate         string                  `json:"backup_date"`
	ContentHash        string                  `json:"content_hash"`
	SizeBytes          int64                   `json:"size_bytes"`
	PrimaryRegion      string                  `json:"primary_region"`
	Regions            map[string]RegionStatus `json:"regions,omitempty"`
	VerificationStatus VerificationStatus      `json:"verification_status"`
	VerifiedAt         *time.Time              `json:"verified_at,omitempty"`
	RetentionExpiresAt time.Time               `json:"retention_expires_at"`
	IsPinned           bool                    `json:"is_pinned"`
	InUseUntil         *time.Time              `json:"in_use_until,omitempty"`
	ManifestVersion    string                  `json:"manifest_version,omitempty"`
	IncludeState       bool                    `json:"include_state"`
	Trigger            BackupTrigger           `json:"trigger"`
	SupersededBy       string                  `json:"superseded_by,omitempty"`
}

// RegionStatus tracks replication of one backup into one region.
type RegionStatus struct {
	BackupID  string      `json:"backup_id"`
	Region    string      `json:"region"`
	State     RegionState `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// GeoRedundant reports whether every tracked region holds a complete copy.
func (b Backup) GeoRedundant() bool {
	if len(b.Regions) == 0 {
		return false
	}
	for _, status := range b.Regions {
		if status.State != RegionComplete {
			return false
		}
	}
	return true
}

// CompleteRegions returns regions holding a complete copy, primary first and
// the rest in name order.
func (b Backup) CompleteRegions() []string {
	out := make([]string, 0, len(b.Regions))
	for name, status := range b.Regions {
		if status.State != RegionComplete || name == b.PrimaryRegion {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	if status, ok := b.Regions[b.PrimaryRegion]; ok && status.State == RegionComplete {
		out = append([]string{b.PrimaryRegion}, out...)
	}
	return out
}

// Restorable reports whether the backup may be used as a restore source.
func (b Backup) Restorable() bool {
	return b.VerificationStatus == VerificationVerified && b.SupersededBy == ""
}

// BackupDateOf returns the UTC calendar day for t.
func BackupDateOf(t time.Time) string {
	return t.UTC().Format(BackupDateLayout)
}

// ValidateContractID checks that id is usable as a contract reference.
func ValidateContractID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("contract id is required")
	}
	if !contractIDRegex.MatchString(id) {
		return fmt.Errorf("invalid contract id: %s", id)
	}
	return nil
}

func ParseVerificationStatus(raw string) (VerificationStatus, error) {
	value := VerificationStatus(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("verification status is required")
	}
	if _, ok := validVerificationStatuses[value]; !ok {
		return "", fmt.Errorf("invalid verification status: %s", value)
	}
	return value, nil
}

func ParseRegionState(raw string) (RegionState, error) {
	value := RegionState(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("region state is required")
	}
	if _, ok := validRegionStates[value]; !ok {
		return "", fmt.Errorf("invalid region state: %s", value)
	}
	return value, nil
}

func ParseBackupTrigger(raw string) (BackupTrigger, error) {
	value := BackupTrigger(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("backup trigger is required")
	}
	if _, ok := validBackupTriggers[value]; !ok {
		return "", fmt.Errorf("invalid backup trigger: %s", value)
	}
	return value, nil
}
