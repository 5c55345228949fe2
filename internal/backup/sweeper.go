package backup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"ctbackup/internal/models"
	"ctbackup/internal/store"
)

// SweepReport summarizes one retention cycle.
type SweepReport struct {
	Expired     int `json:"expired"`
	Deleted     int `json:"deleted"`
	Kept        int `json:"kept"`
	BlobsPurged int `json:"blobs_purged"`
	Orphans     int `json:"orphans_removed"`
	Errors      int `json:"errors"`
}

// Sweeper deletes backups past retention and collects orphan blob files.
type Sweeper struct {
	cfg     Config
	catalog store.BackupStore
	content *ContentStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Collector
	audit   *auditor
}

// RunOnce runs one retention pass followed by orphan collection. Contracts
// are swept concurrently up to Parallelism; the backups of one contract are
// released in order.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	now := s.clock.Now().UTC()
	report := SweepReport{}

	expired, err := s.catalog.ListExpired(ctx, now, 0)
	if err != nil {
		return report, err
	}
	report.Expired = len(expired)

	order := []string{}
	byContract := map[string][]models.Backup{}
	for _, backup := range expired {
		if _, ok := byContract[backup.ContractID]; !ok {
			order = append(order, backup.ContractID)
		}
		byContract[backup.ContractID] = append(byContract[backup.ContractID], backup)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, contractID := range order {
		g.Go(func() error {
			one, err := s.sweepContract(gctx, byContract[contractID], now)
			mu.Lock()
			report.Deleted += one.Deleted
			report.Kept += one.Kept
			report.BlobsPurged += one.BlobsPurged
			report.Errors += one.Errors
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	orphans, err := s.content.CollectOrphans(ctx)
	report.Orphans = orphans
	if err != nil {
		report.Errors++
		s.logger.ErrorContext(ctx, "orphan collection failed", "error", err)
	}

	s.metrics.swept(report.Deleted, report.BlobsPurged, report.Orphans)
	s.logger.InfoContext(ctx, "retention sweep finished",
		"expired", report.Expired,
		"deleted", report.Deleted,
		"kept", report.Kept,
		"blobs_purged", report.BlobsPurged,
		"orphans", report.Orphans,
	)
	return report, nil
}

func (s *Sweeper) sweepContract(ctx context.Context, backups []models.Backup, now time.Time) (SweepReport, error) {
	report := SweepReport{}
	for _, backup := range backups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := s.content.ReleaseBackup(ctx, backup.ID, backup.ContentHash, now)
		if err != nil {
			report.Errors++
			s.logger.ErrorContext(ctx, "retention delete failed", "backup_id", backup.ID, "error", err)
			if !result.Deleted {
				continue
			}
		}
		if !result.Deleted {
			// Still the contract's newest verified backup, or in use.
			report.Kept++
			continue
		}
		report.Deleted++
		detail := fmt.Sprintf("backup %s expired %s", backup.ID, backup.RetentionExpiresAt.Format("2006-01-02"))
		if result.BlobReleased {
			report.BlobsPurged++
			detail += ", blob purged"
		}
		s.audit.record(ctx, models.AuditEntry{
			Operation:  models.AuditDelete,
			ContractID: backup.ContractID,
			Detail:     detail,
		})
	}
	return report, nil
}
