package main

import (
	"context"
	"errors"
	"strings"

	"ctbackup/internal/backup"
	"ctbackup/internal/registry"
)

func formatCLIError(err error) []string {
	if err == nil {
		return nil
	}

	lines := []string{err.Error()}

	switch backup.KindOf(err) {
	case backup.KindValidation:
		if !errors.Is(err, registry.ErrContractNotFound) {
			lines = append(lines, "hint: contract ids use letters, digits, '.', '_' and '-'.")
		}
	case backup.KindCaptureInProgress:
		lines = append(lines, "hint: another capture of this contract is running; retry when it finishes.")
	case backup.KindRestoreInProgress:
		lines = append(lines, "hint: a restore of this contract is already running; check: ctbackup restorations <contract-id>")
	case backup.KindNoVerifiedBackup:
		lines = append(lines,
			"hint: only verified backups are restorable; run: ctbackup verify",
			"hint: list candidates with: ctbackup list --contract <contract-id>",
		)
	case backup.KindTimeoutExceeded:
		lines = append(lines, "hint: raise backup.capture_timeout or backup.restore_timeout with: ctbackup config set")
	case backup.KindVerificationFailed:
		lines = append(lines, "hint: the stored snapshot failed its integrity check; inspect with: ctbackup audit --op corrupt")
	case backup.KindReplicationDegraded:
		lines = append(lines, "hint: a region stopped accepting copies; check its storage and restart: ctbackup run")
	case backup.KindNotFound:
		lines = append(lines, "hint: deleted backups are kept in the audit log; check: ctbackup audit --op delete")
	}

	if errors.Is(err, registry.ErrContractNotFound) {
		lines = append(lines, "hint: list registry contracts with: ctbackup registry list")
	}

	if errors.Is(err, context.DeadlineExceeded) {
		lines = append(lines, "hint: operation timed out; check storage latency or raise the timeout settings.")
		return uniqueLines(lines)
	}

	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
		lines = append(lines, "hint: another ctbackup process holds the catalog; stop it and retry.")
	}

	return uniqueLines(lines)
}

func uniqueLines(lines []string) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
