package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"

	"ctbackup/internal/blobstore"
	"ctbackup/internal/models"
	"ctbackup/internal/registry"
	"ctbackup/internal/snapshot"
	"ctbackup/internal/store"
)

// CreateOptions controls one capture.
type CreateOptions struct {
	IncludeState bool
	Trigger      models.BackupTrigger
	Actor        string
}

// CaptureResult reports how a capture was stored.
type CaptureResult struct {
	Backup *models.Backup
	// Deduplicated is true when the content was already stored and no bytes
	// were written.
	Deduplicated bool
	// Skipped is true when a scheduled capture already ran today and the
	// existing backup was returned.
	Skipped bool
}

// Capturer takes snapshots of registry contracts.
type Capturer struct {
	cfg        Config
	catalog    store.BackupStore
	content    *ContentStore
	registry   registry.Registry
	ledger     registry.Ledger
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Collector
	replicator *Replicator
	audit      *auditor
	locks      *lockTable
}

// Capture snapshots one contract. Only one capture per contract runs at a
// time across every process sharing the catalog; a second concurrent call
// fails with CaptureInProgress.
func (c *Capturer) Capture(ctx context.Context, contractID string, opts CreateOptions) (*CaptureResult, error) {
	return c.run(ctx, contractID, opts, true)
}

// captureUnlocked snapshots a contract without taking its capture lock. A
// restore uses it for the pre-restore snapshot while holding the restore
// lock, so a running scheduled capture cannot block the restore.
func (c *Capturer) captureUnlocked(ctx context.Context, contractID string, opts CreateOptions) (*CaptureResult, error) {
	return c.run(ctx, contractID, opts, false)
}

func (c *Capturer) run(ctx context.Context, contractID string, opts CreateOptions, exclusive bool) (*CaptureResult, error) {
	const op = "create backup"

	contractID = strings.TrimSpace(contractID)
	if err := models.ValidateContractID(contractID); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if opts.Trigger == "" {
		opts.Trigger = models.TriggerManual
	}
	if _, err := models.ParseBackupTrigger(string(opts.Trigger)); err != nil {
		return nil, newError(KindValidation, op, err)
	}
	if opts.Actor == "" {
		opts.Actor = models.SystemActor
	}

	if exclusive {
		release, ok, err := c.locks.Acquire(ctx, contractID)
		if err != nil {
			c.metrics.capture(string(opts.Trigger), "failure", false)
			return nil, newError(KindCaptureFailed, op, err)
		}
		if !ok {
			c.metrics.capture(string(opts.Trigger), "in_progress", false)
			return nil, errorf(KindCaptureInProgress, op, "capture of %s already running", contractID)
		}
		defer release()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CaptureTimeout)
	defer cancel()

	result, err := c.capture(ctx, contractID, opts)
	if err != nil {
		c.metrics.capture(string(opts.Trigger), "failure", false)
		if KindOf(err) == "" {
			err = newError(KindCaptureFailed, op, err)
		}
		if KindOf(err) != KindValidation {
			c.audit.record(ctx, models.AuditEntry{
				Operation:  models.AuditCapture,
				ContractID: contractID,
				Actor:      opts.Actor,
				Outcome:    models.OutcomeFailure,
				Detail:     err.Error(),
			})
		}
		return nil, err
	}
	if result.Skipped {
		c.metrics.capture(string(opts.Trigger), "skipped", false)
		return result, nil
	}

	c.metrics.capture(string(opts.Trigger), "success", result.Deduplicated)
	detail := fmt.Sprintf("%s, sha256 %s", humanize.IBytes(uint64(result.Backup.SizeBytes)), result.Backup.ContentHash)
	if result.Deduplicated {
		detail += ", deduplicated"
	}
	c.audit.record(ctx, models.AuditEntry{
		Operation:  models.AuditCapture,
		BackupID:   result.Backup.ID,
		ContractID: contractID,
		Actor:      opts.Actor,
		Detail:     detail,
	})
	c.logger.InfoContext(ctx, "backup captured",
		"contract_id", contractID,
		"backup_id", result.Backup.ID,
		"trigger", string(opts.Trigger),
		"size", humanize.IBytes(uint64(result.Backup.SizeBytes)),
		"deduplicated", result.Deduplicated,
	)

	for _, region := range c.content.Regions().Replicas() {
		c.replicator.Enqueue(replicaJob{
			BackupID:    result.Backup.ID,
			ContractID:  contractID,
			ContentHash: result.Backup.ContentHash,
			Region:      region,
			Source:      result.Backup.PrimaryRegion,
		})
	}
	return result, nil
}

func (c *Capturer) capture(ctx context.Context, contractID string, opts CreateOptions) (*CaptureResult, error) {
	const op = "create backup"
	now := c.clock.Now().UTC()

	if opts.Trigger == models.TriggerScheduled {
		existing, err := c.catalog.BackupOnDate(ctx, contractID, models.BackupDateOf(now), models.TriggerScheduled)
		if err == nil {
			return &CaptureResult{Backup: existing, Skipped: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	manifest, err := c.registry.GetManifest(ctx, contractID)
	if errors.Is(err, registry.ErrContractNotFound) {
		return nil, newError(KindValidation, op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if manifest.ContractID != contractID {
		return nil, errorf(KindCaptureFailed, op, "registry returned manifest for %q", manifest.ContractID)
	}

	var state []byte
	if opts.IncludeState {
		if c.ledger == nil {
			return nil, errorf(KindCaptureFailed, op, "state capture requested but no ledger is configured")
		}
		state, err = c.ledger.FetchState(ctx, contractID)
		if err != nil {
			return nil, fmt.Errorf("read state: %w", err)
		}
		if state == nil {
			state = []byte{}
		}
	}

	data, err := snapshot.Encode(snapshot.Snapshot{Manifest: manifest, State: state})
	if err != nil {
		return nil, newError(KindCaptureFailed, op, err)
	}
	if int64(len(data)) > c.cfg.MaxBlobBytes {
		return nil, errorf(KindCaptureFailed, op, "snapshot is %s, limit is %s",
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(c.cfg.MaxBlobBytes)))
	}

	regions := c.content.Regions()
	backup := &models.Backup{
		ContractID:         contractID,
		CreatedAt:          now,
		BackupDate:         models.BackupDateOf(now),
		SizeBytes:          int64(len(data)),
		PrimaryRegion:      regions.Primary(),
		VerificationStatus: models.VerificationUnverified,
		RetentionExpiresAt: now.Add(c.cfg.RetentionWindow),
		ManifestVersion:    manifest.Version,
		IncludeState:       opts.IncludeState,
		Trigger:            opts.Trigger,
		Regions:            map[string]models.RegionStatus{},
	}
	for _, name := range regions.Names() {
		regionState := models.RegionPending
		if name == regions.Primary() {
			regionState = models.RegionComplete
		}
		backup.Regions[name] = models.RegionStatus{Region: name, State: regionState, UpdatedAt: now}
	}

	put, err := c.content.Commit(ctx, data, func(ctx context.Context, put blobstore.BlobPutResult) error {
		backup.ContentHash = put.SHA256
		return c.catalog.InsertBackup(ctx, backup)
	})
	if err != nil {
		return nil, err
	}

	return &CaptureResult{Backup: backup, Deduplicated: !put.Written}, nil
}
