package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctbackup/internal/models"
)

// ErrInvalidTransition is returned when a verification status change is not allowed.
var ErrInvalidTransition = errors.New("invalid verification transition")

const backupColumns = `id, contract_id, created_at, backup_date, content_hash, size_bytes, primary_region,
	verification_status, verified_at, retention_expires_at, is_pinned, in_use_until, manifest_version,
	include_state, capture_trigger, superseded_by`

// BackupFilter narrows ListBackups.
type BackupFilter struct {
	ContractID        string
	Statuses          []models.VerificationStatus
	Since             *time.Time
	Until             *time.Time
	PinnedOnly        bool
	ExcludeSuperseded bool
	Limit             int
	Offset            int
}

// DeleteResult reports what a retention delete removed.
type DeleteResult struct {
	Deleted       bool
	ContractID    string
	ContentHash   string
	RemainingRefs int
	BlobReleased  bool
}

// InsertBackup records a backup and takes one reference on its blob.
// A missing ID is generated.
func (s *Store) InsertBackup(ctx context.Context, backup *models.Backup) (err error) {
	if backup == nil {
		return fmt.Errorf("backup is required")
	}
	if err := validateBackupRow(backup); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if strings.TrimSpace(backup.ID) == "" {
		generated, genErr := GenerateBackupID(func(id string) (bool, error) {
			return backupIDExistsTx(ctx, tx, id)
		})
		if genErr != nil {
			err = genErr
			return err
		}
		backup.ID = generated
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO blobs (sha256, size_bytes, ref_count, created_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(sha256) DO UPDATE SET ref_count = ref_count + 1
	`, backup.ContentHash, backup.SizeBytes, formatTime(backup.CreatedAt)); err != nil {
		return err
	}

	if err = insertBackupRowTx(ctx, tx, backup); err != nil {
		return err
	}
	if err = insertRegionRowsTx(ctx, tx, backup); err != nil {
		return err
	}

	return tx.Commit()
}

// GetBackup returns a backup with its region statuses.
func (s *Store) GetBackup(ctx context.Context, id string) (*models.Backup, error) {
	backup, err := scanBackup(s.db.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if backup == nil {
		return nil, ErrNotFound
	}
	if err := s.attachRegions(ctx, []*models.Backup{backup}); err != nil {
		return nil, err
	}
	return backup, nil
}

// BackupExists reports whether a backup row exists.
func (s *Store) BackupExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM backups WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListBackups returns backups newest first.
func (s *Store) ListBackups(ctx context.Context, filter BackupFilter) ([]models.Backup, error) {
	where := []string{}
	args := []any{}

	if filter.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, filter.ContractID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, fmt.Sprintf("verification_status IN (%s)", placeholders(len(filter.Statuses))))
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.Until))
	}
	if filter.PinnedOnly {
		where = append(where, "is_pinned = 1")
	}
	if filter.ExcludeSuperseded {
		where = append(where, "superseded_by IS NULL")
	}

	query := `SELECT ` + backupColumns + ` FROM backups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	return s.queryBackups(ctx, query, args...)
}

// LatestVerifiedAtOrBefore returns the newest verified, unsuperseded backup of
// a contract created at or before at.
func (s *Store) LatestVerifiedAtOrBefore(ctx context.Context, contractID string, at time.Time) (*models.Backup, error) {
	backup, err := scanBackup(s.db.QueryRowContext(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE contract_id = ? AND created_at <= ? AND verification_status = ? AND superseded_by IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, contractID, formatTime(at), string(models.VerificationVerified)))
	if err != nil {
		return nil, err
	}
	if backup == nil {
		return nil, ErrNotFound
	}
	if err := s.attachRegions(ctx, []*models.Backup{backup}); err != nil {
		return nil, err
	}
	return backup, nil
}

// BackupOnDate returns the contract's backup captured by trigger on a UTC day.
func (s *Store) BackupOnDate(ctx context.Context, contractID, date string, trigger models.BackupTrigger) (*models.Backup, error) {
	backup, err := scanBackup(s.db.QueryRowContext(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE contract_id = ? AND backup_date = ? AND capture_trigger = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, contractID, date, string(trigger)))
	if err != nil {
		return nil, err
	}
	if backup == nil {
		return nil, ErrNotFound
	}
	return backup, nil
}

// ListVerifyCandidates returns live backups not verified since cutoff, oldest first.
func (s *Store) ListVerifyCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups
		WHERE verification_status != ? AND superseded_by IS NULL
		  AND (verified_at IS NULL OR verified_at <= ?)
		ORDER BY created_at, id`
	args := []any{string(models.VerificationCorrupt), formatTime(cutoff)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryBackups(ctx, query, args...)
}

// MarkVerified records a successful integrity check. Corrupt backups are
// never moved back to verified.
func (s *Store) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backups SET verification_status = ?, verified_at = ?
		WHERE id = ? AND verification_status != ?
	`, string(models.VerificationVerified), formatTime(at), id, string(models.VerificationCorrupt))
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, id)
}

// MarkCorrupt records a failed integrity check.
func (s *Store) MarkCorrupt(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backups SET verification_status = ?, verified_at = ?
		WHERE id = ?
	`, string(models.VerificationCorrupt), formatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRepair inserts a fresh verified record for the content of a corrupt
// backup and marks the corrupt record superseded by it. The pin moves with
// the content.
func (s *Store) RecordRepair(ctx context.Context, corruptID string, repair *models.Backup) (err error) {
	if repair == nil {
		return fmt.Errorf("repair backup is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	old, err := scanBackup(tx.QueryRowContext(ctx, `SELECT `+backupColumns+` FROM backups WHERE id = ?`, corruptID))
	if err != nil {
		return err
	}
	if old == nil {
		err = ErrNotFound
		return err
	}
	if old.SupersededBy != "" {
		err = fmt.Errorf("backup %s already superseded by %s", corruptID, old.SupersededBy)
		return err
	}
	if old.VerificationStatus != models.VerificationCorrupt {
		err = fmt.Errorf("%w: backup %s is %s, not corrupt", ErrInvalidTransition, corruptID, old.VerificationStatus)
		return err
	}
	if repair.ContentHash != old.ContentHash {
		err = fmt.Errorf("repair content hash %s does not match %s", repair.ContentHash, old.ContentHash)
		return err
	}

	if strings.TrimSpace(repair.ID) == "" {
		generated, genErr := GenerateBackupID(func(id string) (bool, error) {
			return backupIDExistsTx(ctx, tx, id)
		})
		if genErr != nil {
			err = genErr
			return err
		}
		repair.ID = generated
	}
	repair.IsPinned = old.IsPinned
	if err = validateBackupRow(repair); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count + 1 WHERE sha256 = ?`, repair.ContentHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("blob %s: %w", repair.ContentHash, ErrNotFound)
		return err
	}

	if err = insertBackupRowTx(ctx, tx, repair); err != nil {
		return err
	}
	if err = insertRegionRowsTx(ctx, tx, repair); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
		UPDATE backups SET superseded_by = ?, is_pinned = 0 WHERE id = ?
	`, repair.ID, corruptID); err != nil {
		return err
	}

	return tx.Commit()
}

// SetPinned toggles retention exemption for a backup.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE backups SET is_pinned = ? WHERE id = ?`, boolToInt(pinned), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetInUse marks a backup as the source of an in-flight restore until the
// given time. A nil until clears the mark.
func (s *Store) SetInUse(ctx context.Context, id string, until *time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE backups SET in_use_until = ? WHERE id = ?`, nullTime(until), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns unpinned, idle backups whose retention ended before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Backup, error) {
	query := `SELECT ` + backupColumns + ` FROM backups
		WHERE retention_expires_at < ? AND is_pinned = 0
		  AND (in_use_until IS NULL OR in_use_until <= ?)
		ORDER BY retention_expires_at, id`
	args := []any{formatTime(now), formatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryBackups(ctx, query, args...)
}

// DeleteExpiredBackup removes one backup if it is still eligible at now and
// releases its blob reference. Eligibility is rechecked inside the
// transaction: the contract must keep a verified backup that is newer, or
// that superseded this one.
func (s *Store) DeleteExpiredBackup(ctx context.Context, id string, now time.Time) (result DeleteResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `SELECT contract_id, content_hash FROM backups WHERE id = ?`, id).
		Scan(&result.ContractID, &result.ContentHash)
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return result, nil
	}
	if err != nil {
		return result, err
	}

	nowText := formatTime(now)
	res, err := tx.ExecContext(ctx, `
		DELETE FROM backups
		WHERE id = ?
		  AND retention_expires_at < ?
		  AND is_pinned = 0
		  AND (in_use_until IS NULL OR in_use_until <= ?)
		  AND EXISTS (
		    SELECT 1 FROM backups AS keep
		    WHERE keep.contract_id = backups.contract_id
		      AND keep.id != backups.id
		      AND keep.verification_status = ?
		      AND keep.superseded_by IS NULL
		      AND (keep.created_at > backups.created_at OR keep.id = backups.superseded_by)
		  )
	`, id, nowText, nowText, string(models.VerificationVerified))
	if err != nil {
		return result, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return result, err
	}
	if n == 0 {
		_ = tx.Rollback()
		return result, nil
	}
	result.Deleted = true

	remaining, released, err := releaseBlobTx(ctx, tx, result.ContentHash)
	if err != nil {
		return result, err
	}
	result.RemainingRefs = remaining
	result.BlobReleased = released

	if err = tx.Commit(); err != nil {
		return result, err
	}
	return result, nil
}

func releaseBlobTx(ctx context.Context, tx *sql.Tx, digest string) (int, bool, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE blobs SET ref_count = ref_count - 1 WHERE sha256 = ?`, digest); err != nil {
		return 0, false, err
	}
	var remaining int
	err := tx.QueryRowContext(ctx, `SELECT ref_count FROM blobs WHERE sha256 = ?`, digest).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	if remaining > 0 {
		return remaining, false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE sha256 = ?`, digest); err != nil {
		return 0, false, err
	}
	return 0, true, nil
}

func (s *Store) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	exists, err := s.BackupExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: backup %s is corrupt", ErrInvalidTransition, id)
}

func (s *Store) queryBackups(ctx context.Context, query string, args ...any) ([]models.Backup, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ptrs := []*models.Backup{}
	for rows.Next() {
		backup, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		if backup != nil {
			ptrs = append(ptrs, backup)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := s.attachRegions(ctx, ptrs); err != nil {
		return nil, err
	}

	out := make([]models.Backup, 0, len(ptrs))
	for _, backup := range ptrs {
		out = append(out, *backup)
	}
	return out, nil
}

func validateBackupRow(backup *models.Backup) error {
	if err := models.ValidateContractID(backup.ContractID); err != nil {
		return err
	}
	if !digestPattern.MatchString(backup.ContentHash) {
		return fmt.Errorf("invalid content hash %q", backup.ContentHash)
	}
	if backup.SizeBytes < 0 {
		return fmt.Errorf("size_bytes must be >= 0")
	}
	if backup.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if backup.RetentionExpiresAt.IsZero() {
		return fmt.Errorf("retention_expires_at is required")
	}
	if strings.TrimSpace(backup.PrimaryRegion) == "" {
		return fmt.Errorf("primary region is required")
	}
	if backup.BackupDate == "" {
		backup.BackupDate = models.BackupDateOf(backup.CreatedAt)
	}
	if backup.VerificationStatus == "" {
		backup.VerificationStatus = models.VerificationUnverified
	}
	if backup.Trigger == "" {
		backup.Trigger = models.TriggerManual
	}
	return nil
}

func insertBackupRowTx(ctx context.Context, tx *sql.Tx, backup *models.Backup) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO backups (`+backupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		backup.ID,
		backup.ContractID,
		formatTime(backup.CreatedAt),
		backup.BackupDate,
		backup.ContentHash,
		backup.SizeBytes,
		backup.PrimaryRegion,
		string(backup.VerificationStatus),
		nullTime(backup.VerifiedAt),
		formatTime(backup.RetentionExpiresAt),
		boolToInt(backup.IsPinned),
		nullTime(backup.InUseUntil),
		backup.ManifestVersion,
		boolToInt(backup.IncludeState),
		string(backup.Trigger),
		nullIfEmpty(backup.SupersededBy),
	)
	return err
}

func insertRegionRowsTx(ctx context.Context, tx *sql.Tx, backup *models.Backup) error {
	for name, status := range backup.Regions {
		status.BackupID = backup.ID
		status.Region = name
		if status.UpdatedAt.IsZero() {
			status.UpdatedAt = backup.CreatedAt
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backup_regions (backup_id, region, state, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, status.BackupID, status.Region, string(status.State), status.Attempts, nullIfEmpty(status.LastError), formatTime(status.UpdatedAt)); err != nil {
			return err
		}
		backup.Regions[name] = status
	}
	return nil
}

func backupIDExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM backups WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanBackup(scanner interface {
	Scan(dest ...any) error
}) (*models.Backup, error) {
	backup := models.Backup{}

	var createdAt, retention, status, trigger string
	var verifiedAt, inUseUntil, supersededBy sql.NullString
	var pinned, includeState int

	err := scanner.Scan(
		&backup.ID,
		&backup.ContractID,
		&createdAt,
		&backup.BackupDate,
		&backup.ContentHash,
		&backup.SizeBytes,
		&backup.PrimaryRegion,
		&status,
		&verifiedAt,
		&retention,
		&pinned,
		&inUseUntil,
		&backup.ManifestVersion,
		&includeState,
		&trigger,
		&supersededBy,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	backup.VerificationStatus = models.VerificationStatus(status)
	backup.Trigger = models.BackupTrigger(trigger)
	backup.IsPinned = pinned != 0
	backup.IncludeState = includeState != 0
	backup.SupersededBy = supersededBy.String

	if backup.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if backup.RetentionExpiresAt, err = parseTime(retention); err != nil {
		return nil, err
	}
	if backup.VerifiedAt, err = parseNullTime(verifiedAt); err != nil {
		return nil, err
	}
	if backup.InUseUntil, err = parseNullTime(inUseUntil); err != nil {
		return nil, err
	}

	return &backup, nil
}
