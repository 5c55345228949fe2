package store

import (
	"context"
	"database/sql"

	"ctbackup/internal/models"
)

// Stats aggregates catalog counters.
func (s *Store) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{ByStatus: map[models.VerificationStatus]int{}}

	var oldest, newest sql.NullString
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT contract_id), COALESCE(SUM(is_pinned), 0),
		       COALESCE(SUM(size_bytes), 0), MIN(created_at), MAX(created_at)
		FROM backups
	`).Scan(&stats.Backups, &stats.Contracts, &stats.Pinned, &stats.LogicalBytes, &oldest, &newest); err != nil {
		return nil, err
	}
	var err error
	if stats.OldestBackupAt, err = parseNullTime(oldest); err != nil {
		return nil, err
	}
	if stats.NewestBackupAt, err = parseNullTime(newest); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT verification_status, COUNT(*) FROM backups GROUP BY verification_status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[models.VerificationStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM blobs
	`).Scan(&stats.Blobs, &stats.StoredBytes); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
		  COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		FROM backup_regions
	`, string(models.RegionDegraded), string(models.RegionPending)).Scan(&stats.DegradedRegions, &stats.PendingRegions); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backups b
		WHERE EXISTS (SELECT 1 FROM backup_regions r WHERE r.backup_id = b.id)
		  AND NOT EXISTS (SELECT 1 FROM backup_regions r WHERE r.backup_id = b.id AND r.state != ?)
	`, string(models.RegionComplete)).Scan(&stats.GeoRedundant); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0) FROM restorations
	`).Scan(&stats.Restorations, &stats.FailedRestores); err != nil {
		return nil, err
	}

	return stats, nil
}
