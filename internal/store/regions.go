package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ctbackup/internal/models"
)

const regionBatchSize = 500

// ReplicaTask is a region status row joined with what replication needs to
// copy the blob.
type ReplicaTask struct {
	models.RegionStatus
	ContractID    string
	ContentHash   string
	PrimaryRegion string
}

// ListRegionStatuses returns the region rows of one backup ordered by region.
func (s *Store) ListRegionStatuses(ctx context.Context, backupID string) ([]models.RegionStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backup_id, region, state, attempts, last_error, updated_at
		FROM backup_regions WHERE backup_id = ? ORDER BY region
	`, backupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.RegionStatus{}
	for rows.Next() {
		status, err := scanRegionStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *status)
	}
	return out, rows.Err()
}

// UpdateRegionStatus writes the replication state of one backup in one region.
func (s *Store) UpdateRegionStatus(ctx context.Context, status models.RegionStatus) error {
	if status.BackupID == "" || status.Region == "" {
		return fmt.Errorf("backup id and region are required")
	}
	if _, err := models.ParseRegionState(string(status.State)); err != nil {
		return err
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_regions (backup_id, region, state, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(backup_id, region) DO UPDATE SET
		  state = excluded.state,
		  attempts = excluded.attempts,
		  last_error = excluded.last_error,
		  updated_at = excluded.updated_at
	`, status.BackupID, status.Region, string(status.State), status.Attempts, nullIfEmpty(status.LastError), formatTime(status.UpdatedAt))
	return err
}

// ListReplicaTasks returns region rows in the given states, oldest first.
func (s *Store) ListReplicaTasks(ctx context.Context, states []models.RegionState, limit int) ([]ReplicaTask, error) {
	if len(states) == 0 {
		return []ReplicaTask{}, nil
	}
	query := fmt.Sprintf(`
		SELECT r.backup_id, r.region, r.state, r.attempts, r.last_error, r.updated_at,
		       b.contract_id, b.content_hash, b.primary_region
		FROM backup_regions r
		JOIN backups b ON b.id = r.backup_id
		WHERE r.state IN (%s)
		ORDER BY r.updated_at, r.backup_id, r.region
	`, placeholders(len(states)))
	args := make([]any, 0, len(states)+1)
	for _, state := range states {
		args = append(args, string(state))
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ReplicaTask{}
	for rows.Next() {
		var task ReplicaTask
		var state, updatedAt string
		var lastError sql.NullString
		if err := rows.Scan(
			&task.BackupID, &task.Region, &state, &task.Attempts, &lastError, &updatedAt,
			&task.ContractID, &task.ContentHash, &task.PrimaryRegion,
		); err != nil {
			return nil, err
		}
		task.State = models.RegionState(state)
		task.LastError = lastError.String
		if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *Store) attachRegions(ctx context.Context, backups []*models.Backup) error {
	if len(backups) == 0 {
		return nil
	}
	byID := make(map[string]*models.Backup, len(backups))
	ids := make([]string, 0, len(backups))
	for _, backup := range backups {
		backup.Regions = map[string]models.RegionStatus{}
		byID[backup.ID] = backup
		ids = append(ids, backup.ID)
	}

	for start := 0; start < len(ids); start += regionBatchSize {
		end := start + regionBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT backup_id, region, state, attempts, last_error, updated_at
			FROM backup_regions WHERE backup_id IN (%s)
		`, placeholders(len(chunk))), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			status, err := scanRegionStatus(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if backup, ok := byID[status.BackupID]; ok {
				backup.Regions[status.Region] = *status
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

func scanRegionStatus(scanner interface {
	Scan(dest ...any) error
}) (*models.RegionStatus, error) {
	status := models.RegionStatus{}
	var state, updatedAt string
	var lastError sql.NullString

	if err := scanner.Scan(&status.BackupID, &status.Region, &state, &status.Attempts, &lastError, &updatedAt); err != nil {
		return nil, err
	}
	status.State = models.RegionState(state)
	status.LastError = lastError.String

	parsed, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	status.UpdatedAt = parsed
	return &status, nil
}
