package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ctbackup/internal/models"
)

// CreateRestoration records one restore attempt. A missing ID is generated.
func (s *Store) CreateRestoration(ctx context.Context, restoration *models.Restoration) error {
	if restoration == nil {
		return fmt.Errorf("restoration is required")
	}
	if restoration.ContractID == "" {
		return fmt.Errorf("restoration contract id is required")
	}
	if restoration.RestoredBy == "" {
		restoration.RestoredBy = models.SystemActor
	}
	if restoration.RestoredAt.IsZero() {
		restoration.RestoredAt = time.Now().UTC()
	}
	if strings.TrimSpace(restoration.ID) == "" {
		generated, err := GenerateRestorationID(func(id string) (bool, error) {
			return s.restorationIDExists(ctx, id)
		})
		if err != nil {
			return err
		}
		restoration.ID = generated
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restorations (
			id, backup_id, contract_id, restored_by, duration_ms, success, error_message, pre_restore_backup_id, restored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		restoration.ID,
		nullIfEmpty(restoration.BackupID),
		restoration.ContractID,
		restoration.RestoredBy,
		restoration.DurationMS,
		boolToInt(restoration.Success),
		nullIfEmpty(restoration.ErrorMessage),
		nullIfEmpty(restoration.PreRestoreBackupID),
		formatTime(restoration.RestoredAt),
	)
	return err
}

// ListRestorations returns restore attempts newest first. An empty
// contractID lists every contract.
func (s *Store) ListRestorations(ctx context.Context, contractID string, limit int) ([]models.Restoration, error) {
	query := `SELECT id, backup_id, contract_id, restored_by, duration_ms, success, error_message, pre_restore_backup_id, restored_at
		FROM restorations`
	args := []any{}
	if contractID != "" {
		query += " WHERE contract_id = ?"
		args = append(args, contractID)
	}
	query += " ORDER BY restored_at DESC, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Restoration{}
	for rows.Next() {
		var r models.Restoration
		var backupID, errorMessage, preRestore sql.NullString
		var success int
		var restoredAt string
		if err := rows.Scan(&r.ID, &backupID, &r.ContractID, &r.RestoredBy, &r.DurationMS, &success, &errorMessage, &preRestore, &restoredAt); err != nil {
			return nil, err
		}
		r.BackupID = backupID.String
		r.ErrorMessage = errorMessage.String
		r.PreRestoreBackupID = preRestore.String
		r.Success = success != 0
		if r.RestoredAt, err = parseTime(restoredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) restorationIDExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM restorations WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
