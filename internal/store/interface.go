package store

import (
	"context"
	"time"

	"ctbackup/internal/models"
)

// BackupStore abstracts the backup catalog.
type BackupStore interface {
	InsertBackup(ctx context.Context, backup *models.Backup) error
	GetBackup(ctx context.Context, id string) (*models.Backup, error)
	BackupExists(ctx context.Context, id string) (bool, error)
	ListBackups(ctx context.Context, filter BackupFilter) ([]models.Backup, error)
	LatestVerifiedAtOrBefore(ctx context.Context, contractID string, at time.Time) (*models.Backup, error)
	BackupOnDate(ctx context.Context, contractID, date string, trigger models.BackupTrigger) (*models.Backup, error)
	ListVerifyCandidates(ctx context.Context, cutoff time.Time, limit int) ([]models.Backup, error)
	MarkVerified(ctx context.Context, id string, at time.Time) error
	MarkCorrupt(ctx context.Context, id string, at time.Time) error
	RecordRepair(ctx context.Context, corruptID string, repair *models.Backup) error
	SetPinned(ctx context.Context, id string, pinned bool) error
	SetInUse(ctx context.Context, id string, until *time.Time) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.Backup, error)
	DeleteExpiredBackup(ctx context.Context, id string, now time.Time) (DeleteResult, error)

	GetBlob(ctx context.Context, digest string) (*models.Blob, error)
	BlobReferenced(ctx context.Context, digest string) (bool, error)
	ListBlobDigests(ctx context.Context) (map[string]struct{}, error)

	ListRegionStatuses(ctx context.Context, backupID string) ([]models.RegionStatus, error)
	UpdateRegionStatus(ctx context.Context, status models.RegionStatus) error
	ListReplicaTasks(ctx context.Context, states []models.RegionState, limit int) ([]ReplicaTask, error)

	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]models.AuditEntry, error)

	CreateRestoration(ctx context.Context, restoration *models.Restoration) error
	ListRestorations(ctx context.Context, contractID string, limit int) ([]models.Restoration, error)

	Stats(ctx context.Context) (*models.Stats, error)

	AcquireLease(ctx context.Context, contractID, kind, holder string, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, contractID, kind, holder string) error
}

var _ BackupStore = (*Store)(nil)
