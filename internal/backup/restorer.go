package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/juju/clock"

	"ctbackup/internal/blobstore"
	"ctbackup/internal/models"
	"ctbackup/internal/registry"
	"ctbackup/internal/snapshot"
	"ctbackup/internal/store"
)

// RestoreOptions controls one restore.
type RestoreOptions struct {
	Actor string
	// PreRestoreCapture snapshots the live contract before it is overwritten.
	// When nil the service default applies.
	PreRestoreCapture *bool
}

// RestoreResult describes a completed restore.
type RestoreResult struct {
	Backup             *models.Backup      `json:"backup"`
	Restoration        *models.Restoration `json:"restoration"`
	SourceRegion       string              `json:"source_region"`
	PreRestoreBackupID string              `json:"pre_restore_backup_id,omitempty"`
	Duration           time.Duration       `json:"duration"`
}

// Restorer returns contracts to a verified backup.
type Restorer struct {
	cfg      Config
	catalog  store.BackupStore
	content  *ContentStore
	registry registry.Registry
	capturer *Capturer
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Collector
	audit    *auditor
	locks    *lockTable
}

// Restore applies the latest verified backup at or before target to the
// registry. The live manifest is only changed after the backup bytes pass
// integrity and compatibility checks. Concurrent restores of one contract are
// rejected.
func (r *Restorer) Restore(ctx context.Context, contractID string, target time.Time, opts RestoreOptions) (*RestoreResult, error) {
	const op = "restore"
	started := r.clock.Now()

	contractID = strings.TrimSpace(contractID)
	if err := models.ValidateContractID(contractID); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if target.IsZero() {
		target = r.clock.Now()
	}
	if opts.Actor == "" {
		opts.Actor = models.SystemActor
	}
	preRestore := r.cfg.PreRestoreCapture
	if opts.PreRestoreCapture != nil {
		preRestore = *opts.PreRestoreCapture
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RestoreTimeout)
	defer cancel()

	source, err := r.catalog.LatestVerifiedAtOrBefore(ctx, contractID, target.UTC())
	if errors.Is(err, store.ErrNotFound) {
		err = errorf(KindNoVerifiedBackup, op, "no verified backup of %s at or before %s", contractID, target.UTC().Format(time.RFC3339))
		r.finish(ctx, contractID, nil, opts.Actor, "", started, err)
		return nil, err
	}
	if err != nil {
		err = r.classify(ctx, op, err)
		r.finish(ctx, contractID, nil, opts.Actor, "", started, err)
		return nil, err
	}

	release, ok, err := r.locks.Acquire(ctx, contractID)
	if err != nil {
		err = r.classify(ctx, op, err)
		r.finish(ctx, contractID, source, opts.Actor, "", started, err)
		return nil, err
	}
	if !ok {
		err := errorf(KindRestoreInProgress, op, "restore of %s already running", contractID)
		r.finish(ctx, contractID, source, opts.Actor, "", started, err)
		return nil, err
	}
	defer release()

	result, err := r.restore(ctx, source, preRestore, opts.Actor)
	if err != nil {
		err = r.classify(ctx, op, err)
		preID := ""
		if result != nil {
			preID = result.PreRestoreBackupID
		}
		r.finish(ctx, contractID, source, opts.Actor, preID, started, err)
		return nil, err
	}

	result.Duration = r.clock.Now().Sub(started)
	result.Restoration = r.finish(ctx, contractID, source, opts.Actor, result.PreRestoreBackupID, started, nil)
	return result, nil
}

func (r *Restorer) restore(ctx context.Context, source *models.Backup, preRestore bool, actor string) (*RestoreResult, error) {
	const op = "restore"

	// Pin the source for the sweeper while it is in use.
	until := r.clock.Now().UTC().Add(r.cfg.RestoreTimeout)
	if err := r.catalog.SetInUse(ctx, source.ID, &until); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.catalog.SetInUse(context.WithoutCancel(ctx), source.ID, nil); err != nil {
			r.logger.WarnContext(ctx, "clear in-use mark failed", "backup_id", source.ID, "error", err)
		}
	}()

	data, region, err := r.fetch(ctx, source)
	if err != nil {
		return nil, err
	}

	snap, hdr, err := snapshot.Decode(data)
	if err != nil {
		return nil, errorf(KindRestoreFailed, op, "decode backup %s: %v", source.ID, err)
	}
	if !snapshot.SupportedVersion(hdr.Version) {
		return nil, errorf(KindRestoreFailed, op, "backup %s uses unsupported format %d", source.ID, hdr.Version)
	}
	if snap.Manifest.ContractID != source.ContractID {
		return nil, errorf(KindRestoreFailed, op, "backup %s holds contract %q", source.ID, snap.Manifest.ContractID)
	}
	if source.ManifestVersion != "" && snap.Manifest.Version != source.ManifestVersion {
		return nil, errorf(KindRestoreFailed, op, "backup %s manifest version %q does not match catalog %q",
			source.ID, snap.Manifest.Version, source.ManifestVersion)
	}
	if err := snap.Manifest.Validate(); err != nil {
		return nil, errorf(KindRestoreFailed, op, "backup %s manifest: %v", source.ID, err)
	}

	result := &RestoreResult{Backup: source, SourceRegion: region}
	if preRestore {
		pre, err := r.capturer.captureUnlocked(ctx, source.ContractID, CreateOptions{Trigger: models.TriggerPreRestore, Actor: actor})
		switch {
		case err == nil:
			result.PreRestoreBackupID = pre.Backup.ID
		case KindOf(err) == KindValidation:
			// Nothing live to preserve.
		default:
			return result, errorf(KindRestoreFailed, op, "pre-restore capture: %v", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if err := r.registry.ApplyManifest(ctx, source.ContractID, snap.Manifest); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, errorf(KindRestoreFailed, op, "apply manifest: %v", err)
	}
	return result, nil
}

// fetch reads the source blob from the primary, then from complete replicas
// in priority order. Unreadable regions are skipped; bytes that do not match
// the recorded hash abort the restore.
func (r *Restorer) fetch(ctx context.Context, source *models.Backup) ([]byte, string, error) {
	const op = "restore"
	regions := r.content.Regions().Priority(source.CompleteRegions())
	if len(regions) == 0 {
		return nil, "", errorf(KindRestoreFailed, op, "backup %s has no complete region", source.ID)
	}

	var errs []error
	for _, region := range regions {
		data, err := r.content.Get(ctx, region, source.ContentHash)
		if err == nil {
			return data, region, nil
		}
		if errors.Is(err, blobstore.ErrDigestMismatch) {
			return nil, "", errorf(KindRestoreFailed, op, "integrity check failed: %v", err)
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		r.logger.WarnContext(ctx, "restore source unavailable", "backup_id", source.ID, "region", region, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", region, err))
	}
	return nil, "", errorf(KindRestoreFailed, op, "no region could serve backup %s: %v", source.ID, errors.Join(errs...))
}

func (r *Restorer) classify(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errorf(KindTimeoutExceeded, op, "restore did not finish within %s", r.cfg.RestoreTimeout)
	}
	if KindOf(err) != "" {
		return err
	}
	return newError(KindRestoreFailed, op, err)
}

// finish records metrics, the audit entry and the restoration row.
func (r *Restorer) finish(ctx context.Context, contractID string, source *models.Backup, actor, preID string, started time.Time, err error) *models.Restoration {
	ctx = context.WithoutCancel(ctx)
	took := r.clock.Now().Sub(started)

	restoration := &models.Restoration{
		ContractID:         contractID,
		RestoredBy:         actor,
		DurationMS:         took.Milliseconds(),
		Success:            err == nil,
		PreRestoreBackupID: preID,
		RestoredAt:         r.clock.Now().UTC(),
	}
	entry := models.AuditEntry{
		Operation:  models.AuditRestore,
		ContractID: contractID,
		Actor:      actor,
		Outcome:    models.OutcomeSuccess,
	}
	if source != nil {
		restoration.BackupID = source.ID
		entry.BackupID = source.ID
		entry.Detail = fmt.Sprintf("restored to %s", source.CreatedAt.Format(time.RFC3339))
	}

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		restoration.ErrorMessage = err.Error()
		entry.Outcome = models.OutcomeFailure
		entry.Detail = err.Error()
		r.logger.ErrorContext(ctx, "restore failed", "contract_id", contractID, "error", err)
	} else {
		r.logger.InfoContext(ctx, "restore finished",
			"contract_id", contractID,
			"backup_id", restoration.BackupID,
			"duration_ms", restoration.DurationMS,
		)
	}
	r.metrics.restore(outcome, took)
	r.audit.record(ctx, entry)

	if createErr := r.catalog.CreateRestoration(ctx, restoration); createErr != nil {
		r.logger.ErrorContext(ctx, "record restoration failed", "contract_id", contractID, "error", createErr)
	}
	return restoration
}
