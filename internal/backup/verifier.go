package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"ctbackup/internal/blobstore"
	"ctbackup/internal/models"
	"ctbackup/internal/store"
)

const (
	verifyReadAttempts = 3
	verifyReadDelay    = 200 * time.Millisecond
)

// VerifyReport summarizes one verification cycle.
type VerifyReport struct {
	Checked  int `json:"checked"`
	Verified int `json:"verified"`
	Corrupt  int `json:"corrupt"`
	Repaired int `json:"repaired"`
	Lost     int `json:"lost"`
	Skipped  int `json:"skipped"`
}

// Verifier rehashes stored backups and repairs corrupt copies from healthy
// replicas.
type Verifier struct {
	cfg     Config
	catalog store.BackupStore
	content *ContentStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Collector
	alerter Alerter
	audit   *auditor
	cycle   atomic.Uint64
}

// RunOnce verifies every live backup not checked within the verify interval.
func (v *Verifier) RunOnce(ctx context.Context) (VerifyReport, error) {
	cutoff := v.clock.Now().UTC().Add(-v.cfg.VerifyInterval)
	candidates, err := v.catalog.ListVerifyCandidates(ctx, cutoff, 0)
	if err != nil {
		return VerifyReport{}, err
	}
	return v.Check(ctx, candidates)
}

// Check verifies the given backups on a pool bounded by Parallelism. Each
// call is one cycle for source region rotation.
func (v *Verifier) Check(ctx context.Context, backups []models.Backup) (VerifyReport, error) {
	cycle := v.cycle.Add(1) - 1

	var mu sync.Mutex
	report := VerifyReport{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.cfg.Parallelism)
	for _, backup := range backups {
		if backup.VerificationStatus == models.VerificationCorrupt || backup.SupersededBy != "" {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			one := VerifyReport{Checked: 1}
			if err := v.verifyOne(gctx, backup, cycle, &one); err != nil {
				one.Skipped++
				v.logger.WarnContext(gctx, "verification skipped", "backup_id", backup.ID, "error", err)
			}
			mu.Lock()
			report.add(one)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	v.logger.InfoContext(ctx, "verification cycle finished",
		"checked", report.Checked,
		"verified", report.Verified,
		"corrupt", report.Corrupt,
		"repaired", report.Repaired,
		"lost", report.Lost,
	)
	return report, nil
}

func (r *VerifyReport) add(o VerifyReport) {
	r.Checked += o.Checked
	r.Verified += o.Verified
	r.Corrupt += o.Corrupt
	r.Repaired += o.Repaired
	r.Lost += o.Lost
	r.Skipped += o.Skipped
}

// sourceRegions picks the regions checked this cycle: the primary plus one
// replica that rotates with the cycle counter.
func sourceRegions(complete []string, cycle uint64) []string {
	if len(complete) <= 1 {
		return complete
	}
	replicas := complete[1:]
	return []string{complete[0], replicas[cycle%uint64(len(replicas))]}
}

func (v *Verifier) verifyOne(ctx context.Context, backup models.Backup, cycle uint64, report *VerifyReport) error {
	complete := v.content.Regions().Priority(backup.CompleteRegions())
	if len(complete) == 0 {
		return fmt.Errorf("no complete region")
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.VerifyTimeout)
	defer cancel()

	bad := []string{}
	for _, region := range sourceRegions(complete, cycle) {
		_, err := v.read(ctx, region, backup.ContentHash)
		switch {
		case err == nil:
		case isIntegrityError(err):
			bad = append(bad, region)
		default:
			// Transient read failure: leave the status alone until next cycle.
			return fmt.Errorf("read region %s: %w", region, err)
		}
	}

	now := v.clock.Now().UTC()
	if len(bad) == 0 {
		if err := v.catalog.MarkVerified(ctx, backup.ID, now); err != nil {
			return err
		}
		report.Verified++
		v.metrics.verification("verified")
		v.audit.record(ctx, models.AuditEntry{
			Operation:  models.AuditVerify,
			BackupID:   backup.ID,
			ContractID: backup.ContractID,
		})
		return nil
	}

	report.Corrupt++
	v.metrics.verification("corrupt")
	if err := v.catalog.MarkCorrupt(ctx, backup.ID, now); err != nil {
		return err
	}
	detail := fmt.Sprintf("sha256 mismatch in %s", strings.Join(bad, ", "))
	v.audit.record(ctx, models.AuditEntry{
		Operation:  models.AuditCorrupt,
		BackupID:   backup.ID,
		ContractID: backup.ContractID,
		Outcome:    models.OutcomeFailure,
		Detail:     detail,
	})
	v.alerter.Alert(ctx, Alert{
		Kind:       KindVerificationFailed,
		ContractID: backup.ContractID,
		BackupID:   backup.ID,
		Region:     strings.Join(bad, ","),
		Message:    "backup corrupt",
		At:         now,
	})

	repairID, err := v.repair(ctx, backup, complete, bad)
	if err != nil {
		report.Lost++
		v.metrics.lost()
		v.audit.record(ctx, models.AuditEntry{
			Operation:  models.AuditRepair,
			BackupID:   backup.ID,
			ContractID: backup.ContractID,
			Outcome:    models.OutcomeFailure,
			Detail:     err.Error(),
		})
		v.alerter.Alert(ctx, Alert{
			Kind:       KindVerificationFailed,
			ContractID: backup.ContractID,
			BackupID:   backup.ID,
			Message:    "backup corrupt with no healthy replica",
			At:         now,
		})
		return nil
	}

	report.Repaired++
	v.metrics.repaired()
	v.audit.record(ctx, models.AuditEntry{
		Operation:  models.AuditRepair,
		BackupID:   repairID,
		ContractID: backup.ContractID,
		Detail:     fmt.Sprintf("replaces %s, rewrote %s", backup.ID, strings.Join(bad, ", ")),
	})
	return nil
}

// read fetches one region copy, retrying transient failures. Integrity
// failures are returned at once.
func (v *Verifier) read(ctx context.Context, region, digest string) ([]byte, error) {
	var data []byte
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			data, err = v.content.Get(ctx, region, digest)
			return err
		},
		IsFatalError: isIntegrityError,
		NotifyFunc: func(err error, attempt int) {
			v.logger.DebugContext(ctx, "region read failed", "region", region, "sha256", digest, "attempt", attempt, "error", err)
		},
		Attempts:    verifyReadAttempts,
		Delay:       verifyReadDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       v.clock,
		Stop:        ctx.Done(),
	})
	if err != nil && retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	return data, err
}

func isIntegrityError(err error) bool {
	return errors.Is(err, blobstore.ErrDigestMismatch) || errors.Is(err, blobstore.ErrNotFound)
}

// repair finds a region whose bytes still hash to the recorded content hash,
// rewrites the damaged copies from it and records a fresh verified backup
// that supersedes the corrupt one.
func (v *Verifier) repair(ctx context.Context, backup models.Backup, complete, bad []string) (string, error) {
	badSet := make(map[string]struct{}, len(bad))
	for _, region := range bad {
		badSet[region] = struct{}{}
	}

	var good []byte
	source := ""
	for _, region := range complete {
		if _, ok := badSet[region]; ok {
			continue
		}
		data, err := v.read(ctx, region, backup.ContentHash)
		if err != nil {
			if isIntegrityError(err) {
				badSet[region] = struct{}{}
				bad = append(bad, region)
			}
			continue
		}
		good, source = data, region
		break
	}
	if good == nil {
		return "", fmt.Errorf("no healthy replica of %s", backup.ContentHash)
	}

	for _, region := range bad {
		if err := v.content.Repair(ctx, backup.ContentHash, region, good); err != nil {
			return "", fmt.Errorf("rewrite %s from %s: %w", region, source, err)
		}
	}

	now := v.clock.Now().UTC()
	replacement := backup
	replacement.ID = ""
	replacement.Trigger = models.TriggerRepair
	replacement.VerificationStatus = models.VerificationVerified
	replacement.VerifiedAt = &now
	replacement.InUseUntil = nil
	replacement.SupersededBy = ""
	replacement.Regions = make(map[string]models.RegionStatus, len(backup.Regions))
	for name, status := range backup.Regions {
		status.BackupID = ""
		if _, ok := badSet[name]; ok {
			status.State = models.RegionComplete
			status.LastError = ""
		}
		status.UpdatedAt = now
		replacement.Regions[name] = status
	}

	if err := v.catalog.RecordRepair(ctx, backup.ID, &replacement); err != nil {
		return "", err
	}
	v.logger.InfoContext(ctx, "corrupt backup repaired",
		"backup_id", backup.ID, "replacement_id", replacement.ID, "source_region", source)
	return replacement.ID, nil
}
