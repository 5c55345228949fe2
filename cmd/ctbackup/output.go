package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"ctbackup/internal/format"
	"ctbackup/internal/models"
)

var outputFormatter format.Formatter = format.JSONFormatter{Indent: true}

func writeJSON(payload any) error {
	return outputFormatter.Write(os.Stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(os.Stdout, format, args...)
	return err
}

func writeBackupList(backups []models.Backup) error {
	if len(backups) == 0 {
		return writePlain("no backups\n")
	}
	for _, b := range backups {
		if err := writePlain("%s\n", formatBackupLine(b)); err != nil {
			return err
		}
	}
	return nil
}

func writeBackupDetail(b models.Backup) error {
	lines := []string{
		fmt.Sprintf("id: %s", b.ID),
		fmt.Sprintf("contract_id: %s", b.ContractID),
		fmt.Sprintf("created_at: %s", formatTime(b.CreatedAt)),
		fmt.Sprintf("trigger: %s", b.Trigger),
		fmt.Sprintf("content_hash: %s", b.ContentHash),
		fmt.Sprintf("size: %s", humanize.IBytes(uint64(b.SizeBytes))),
		fmt.Sprintf("verification: %s", b.VerificationStatus),
		fmt.Sprintf("retention_expires_at: %s", formatTime(b.RetentionExpiresAt)),
		fmt.Sprintf("pinned: %t", b.IsPinned),
	}
	if b.ManifestVersion != "" {
		lines = append(lines, fmt.Sprintf("manifest_version: %s", b.ManifestVersion))
	}
	if b.IncludeState {
		lines = append(lines, "include_state: true")
	}
	if b.VerifiedAt != nil {
		lines = append(lines, fmt.Sprintf("verified_at: %s", formatTime(*b.VerifiedAt)))
	}
	if b.InUseUntil != nil {
		lines = append(lines, fmt.Sprintf("in_use_until: %s", formatTime(*b.InUseUntil)))
	}
	if b.SupersededBy != "" {
		lines = append(lines, fmt.Sprintf("superseded_by: %s", b.SupersededBy))
	}

	if len(b.Regions) > 0 {
		names := make([]string, 0, len(b.Regions))
		for name := range b.Regions {
			names = append(names, name)
		}
		sort.Strings(names)
		lines = append(lines, "regions:")
		for _, name := range names {
			status := b.Regions[name]
			line := fmt.Sprintf("  - %s: %s (attempts %d)", name, status.State, status.Attempts)
			if name == b.PrimaryRegion {
				line += " primary"
			}
			if status.LastError != "" {
				line += fmt.Sprintf(" last_error=%q", status.LastError)
			}
			lines = append(lines, line)
		}
	}

	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatBackupLine(b models.Backup) string {
	marker := "○"
	switch b.VerificationStatus {
	case models.VerificationVerified:
		marker = "●"
	case models.VerificationCorrupt:
		marker = "✗"
	}
	line := fmt.Sprintf("%s %s %s [%s] %s %s", marker, b.ID, b.ContractID, b.Trigger,
		humanize.IBytes(uint64(b.SizeBytes)), formatTime(b.CreatedAt))
	if b.IsPinned {
		line += " pinned"
	}
	if !b.GeoRedundant() {
		line += " partial"
	}
	return line
}

func writeRestorations(rows []models.Restoration) error {
	if len(rows) == 0 {
		return writePlain("no restorations\n")
	}
	for _, r := range rows {
		outcome := "ok"
		if !r.Success {
			outcome = "failed: " + r.ErrorMessage
		}
		line := fmt.Sprintf("%s %s from %s by %s in %s: %s", formatTime(r.RestoredAt), r.ContractID,
			r.BackupID, r.RestoredBy, time.Duration(r.DurationMS)*time.Millisecond, outcome)
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func writeAudit(entries []models.AuditEntry) error {
	if len(entries) == 0 {
		return writePlain("no audit entries\n")
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %s %s %s", formatTime(e.CreatedAt), e.Operation, e.Outcome, e.ContractID)
		if e.BackupID != "" {
			line += " " + e.BackupID
		}
		if e.Actor != "" {
			line += " actor=" + e.Actor
		}
		if e.Detail != "" {
			line += " " + e.Detail
		}
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func writeStats(s models.Stats) error {
	lines := []string{
		fmt.Sprintf("contracts: %d", s.Contracts),
		fmt.Sprintf("backups: %d (pinned %d)", s.Backups, s.Pinned),
		fmt.Sprintf("verified: %d unverified: %d corrupt: %d",
			s.ByStatus[models.VerificationVerified], s.ByStatus[models.VerificationUnverified], s.ByStatus[models.VerificationCorrupt]),
		fmt.Sprintf("blobs: %d", s.Blobs),
		fmt.Sprintf("stored: %s logical: %s dedup ratio: %.2f",
			humanize.IBytes(uint64(s.StoredBytes)), humanize.IBytes(uint64(s.LogicalBytes)), s.DedupRatio()),
		fmt.Sprintf("geo-redundant: %d pending regions: %d degraded regions: %d",
			s.GeoRedundant, s.PendingRegions, s.DegradedRegions),
		fmt.Sprintf("restorations: %d (failed %d)", s.Restorations, s.FailedRestores),
	}
	if s.OldestBackupAt != nil {
		lines = append(lines, fmt.Sprintf("oldest backup: %s (%s)", formatTime(*s.OldestBackupAt), humanize.Time(*s.OldestBackupAt)))
	}
	if s.NewestBackupAt != nil {
		lines = append(lines, fmt.Sprintf("newest backup: %s (%s)", formatTime(*s.NewestBackupAt), humanize.Time(*s.NewestBackupAt)))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
