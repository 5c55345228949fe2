package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ctbackup/internal/models"
)

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	ContractID string
	BackupID   string
	Operations []models.AuditOperation
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// AppendAudit adds one entry to the audit log. Entries are never updated.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit entry is required")
	}
	if _, err := models.ParseAuditOperation(string(entry.Operation)); err != nil {
		return err
	}
	if entry.ContractID == "" {
		return fmt.Errorf("audit contract id is required")
	}
	if entry.Actor == "" {
		entry.Actor = models.SystemActor
	}
	if entry.Outcome == "" {
		entry.Outcome = models.OutcomeSuccess
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (operation, backup_id, contract_id, actor, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		string(entry.Operation),
		nullIfEmpty(entry.BackupID),
		entry.ContractID,
		entry.Actor,
		string(entry.Outcome),
		nullIfEmpty(entry.Detail),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	return nil
}

// ListAudit returns entries oldest first.
func (s *Store) ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error) {
	where := []string{}
	args := []any{}

	if filter.ContractID != "" {
		where = append(where, "contract_id = ?")
		args = append(args, filter.ContractID)
	}
	if filter.BackupID != "" {
		where = append(where, "backup_id = ?")
		args = append(args, filter.BackupID)
	}
	if len(filter.Operations) > 0 {
		where = append(where, fmt.Sprintf("operation IN (%s)", placeholders(len(filter.Operations))))
		for _, op := range filter.Operations {
			args = append(args, string(op))
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

	query := `SELECT id, operation, backup_id, contract_id, actor, outcome, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.AuditEntry{}
	for rows.Next() {
		var entry models.AuditEntry
		var operation, outcome, createdAt string
		var backupID, detail sql.NullString
		if err := rows.Scan(&entry.ID, &operation, &backupID, &entry.ContractID, &entry.Actor, &outcome, &detail, &createdAt); err != nil {
			return nil, err
		}
		entry.Operation = models.AuditOperation(operation)
		entry.Outcome = models.AuditOutcome(outcome)
		entry.BackupID = backupID.String
		entry.Detail = detail.String
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
