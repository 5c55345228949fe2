// Package backup captures, replicates, verifies, retains and restores
// contract snapshots.
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
	"ctbackup/internal/store"
)

const (
	DefaultRetentionWindow = 30 * 24 * time.Hour
	DefaultMaxBlobBytes    = 16 << 20
	DefaultCaptureTimeout  = 30 * time.Second
	DefaultRestoreTimeout  = 60 * time.Second
	DefaultVerifyTimeout   = 30 * time.Second
	DefaultVerifyInterval  = 24 * time.Hour
	DefaultMaxAttempts     = 5
	DefaultInitialDelay    = time.Second
	DefaultMaxDelay        = time.Minute
	DefaultQueueSize       = 256
	DefaultReplicaWorkers  = 2
)

// Config tunes the service.
type Config struct {
	RetentionWindow   time.Duration
	MaxBlobBytes      int64
	CaptureTimeout    time.Duration
	RestoreTimeout    time.Duration
	VerifyTimeout     time.Duration
	VerifyInterval    time.Duration
	PreRestoreCapture bool
	// Parallelism bounds concurrent verifications and per-contract sweeps
	// within one cycle.
	Parallelism       int
	Replication       ReplicationConfig
}

// ReplicationConfig tunes the replication manager.
type ReplicationConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	QueueSize    int
	Workers      int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		RetentionWindow: DefaultRetentionWindow,
		MaxBlobBytes:    DefaultMaxBlobBytes,
		CaptureTimeout:  DefaultCaptureTimeout,
		RestoreTimeout:  DefaultRestoreTimeout,
		VerifyTimeout:   DefaultVerifyTimeout,
		VerifyInterval:  DefaultVerifyInterval,
		Parallelism:     DefaultParallelism,
		Replication: ReplicationConfig{
			MaxAttempts:  DefaultMaxAttempts,
			InitialDelay: DefaultInitialDelay,
			MaxDelay:     DefaultMaxDelay,
			QueueSize:    DefaultQueueSize,
			Workers:      DefaultReplicaWorkers,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = def.RetentionWindow
	}
	if c.MaxBlobBytes <= 0 {
		c.MaxBlobBytes = def.MaxBlobBytes
	}
	if c.CaptureTimeout <= 0 {
		c.CaptureTimeout = def.CaptureTimeout
	}
	if c.RestoreTimeout <= 0 {
		c.RestoreTimeout = def.RestoreTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = def.VerifyTimeout
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = def.VerifyInterval
	}
	if c.Parallelism <= 0 {
		c.Parallelism = def.Parallelism
	}
	if c.Replication.MaxAttempts <= 0 {
		c.Replication.MaxAttempts = def.Replication.MaxAttempts
	}
	if c.Replication.InitialDelay <= 0 {
		c.Replication.InitialDelay = def.Replication.InitialDelay
	}
	if c.Replication.MaxDelay <= 0 {
		c.Replication.MaxDelay = def.Replication.MaxDelay
	}
	if c.Replication.QueueSize <= 0 {
		c.Replication.QueueSize = def.Replication.QueueSize
	}
	if c.Replication.Workers <= 0 {
		c.Replication.Workers = def.Replication.Workers
	}
}

// Deps are the collaborators of the service.
type Deps struct {
	Catalog  store.BackupStore
	Regions  *blobstore.RegionSet
	Registry registry.Registry
	Ledger   registry.Ledger
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *Collector
	Alerter  Alerter
}

// Validate ensures that the required collaborators are set.
func (d *Deps) Validate() error {
	if d.Catalog == nil {
		return fmt.Errorf("missing catalog")
	}
	if d.Regions == nil {
		return fmt.Errorf("missing regions")
	}
	if d.Registry == nil {
		return fmt.Errorf("missing registry")
	}
	return nil
}

// Service is the backup subsystem facade.
type Service struct {
	cfg        Config
	catalog    store.BackupStore
	content    *ContentStore
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Collector
	capturer   *Capturer
	replicator *Replicator
	verifier   *Verifier
	sweeper    *Sweeper
	restorer   *Restorer
}

// NewService wires the components and starts the replication workers.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Alerter == nil {
		deps.Alerter = NewLogAlerter(deps.Logger, deps.Metrics)
	}

	// One lease holder per service; leases from a crashed process expire.
	holder, err := store.GenerateID("lk", nil)
	if err != nil {
		return nil, fmt.Errorf("generate lease holder: %w", err)
	}
	lockLogger := deps.Logger.With("component", "locks")

	content := NewContentStore(deps.Regions, deps.Catalog, deps.Logger.With("component", "content"))
	audit := &auditor{catalog: deps.Catalog, clock: deps.Clock, logger: deps.Logger.With("component", "audit")}

	replicator, err := NewReplicator(ReplicatorConfig{
		Content:      content,
		Catalog:      deps.Catalog,
		Clock:        deps.Clock,
		Logger:       deps.Logger.With("component", "replication"),
		Metrics:      deps.Metrics,
		Alerter:      deps.Alerter,
		MaxAttempts:  cfg.Replication.MaxAttempts,
		InitialDelay: cfg.Replication.InitialDelay,
		MaxDelay:     cfg.Replication.MaxDelay,
		QueueSize:    cfg.Replication.QueueSize,
		Workers:      cfg.Replication.Workers,
		audit:        audit,
	})
	if err != nil {
		return nil, err
	}

	capturer := &Capturer{
		cfg:        cfg,
		catalog:    deps.Catalog,
		content:    content,
		registry:   deps.Registry,
		ledger:     deps.Ledger,
		clock:      deps.Clock,
		logger:     deps.Logger.With("component", "capture"),
		metrics:    deps.Metrics,
		replicator: replicator,
		audit:      audit,
		locks:      newLeasedLockTable(leaseCapture, deps.Catalog, holder, cfg.CaptureTimeout+leaseGrace, deps.Clock, lockLogger),
	}

	s := &Service{
		cfg:        cfg,
		catalog:    deps.Catalog,
		content:    content,
		clock:      deps.Clock,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		capturer:   capturer,
		replicator: replicator,
		verifier: &Verifier{
			cfg:     cfg,
			catalog: deps.Catalog,
			content: content,
			clock:   deps.Clock,
			logger:  deps.Logger.With("component", "verify"),
			metrics: deps.Metrics,
			alerter: deps.Alerter,
			audit:   audit,
		},
		sweeper: &Sweeper{
			cfg:     cfg,
			catalog: deps.Catalog,
			content: content,
			clock:   deps.Clock,
			logger:  deps.Logger.With("component", "sweep"),
			metrics: deps.Metrics,
			audit:   audit,
		},
		restorer: &Restorer{
			cfg:      cfg,
			catalog:  deps.Catalog,
			content:  content,
			registry: deps.Registry,
			capturer: capturer,
			clock:    deps.Clock,
			logger:   deps.Logger.With("component", "restore"),
			metrics:  deps.Metrics,
			audit:    audit,
			locks:    newLeasedLockTable(leaseRestore, deps.Catalog, holder, cfg.RestoreTimeout+leaseGrace, deps.Clock, lockLogger),
		},
	}
	return s, nil
}

// Close stops accepting replication work and waits for queued copies.
func (s *Service) Close() error {
	return s.replicator.Stop()
}

// Kill aborts replication without draining the queue.
func (s *Service) Kill() {
	s.replicator.Kill()
}

// Replicator exposes the replication manager.
func (s *Service) Replicator() *Replicator {
	return s.replicator
}

// CreateBackup captures a snapshot of a contract.
func (s *Service) CreateBackup(ctx context.Context, contractID string, opts CreateOptions) (*models.Backup, error) {
	result, err := s.capturer.Capture(ctx, contractID, opts)
	if err != nil {
		return nil, err
	}
	return result.Backup, nil
}

// Capture captures a snapshot and reports how it was stored.
func (s *Service) Capture(ctx context.Context, contractID string, opts CreateOptions) (*CaptureResult, error) {
	return s.capturer.Capture(ctx, contractID, opts)
}

// Restore restores a contract to the latest verified backup at or before target.
func (s *Service) Restore(ctx context.Context, contractID string, target time.Time, opts RestoreOptions) (*RestoreResult, error) {
	return s.restorer.Restore(ctx, contractID, target, opts)
}

// Verify runs one verification cycle.
func (s *Service) Verify(ctx context.Context) (VerifyReport, error) {
	return s.verifier.RunOnce(ctx)
}

// VerifyBackup checks one backup now regardless of when it was last verified.
func (s *Service) VerifyBackup(ctx context.Context, id string) (VerifyReport, error) {
	backup, err := s.GetBackup(ctx, id)
	if err != nil {
		return VerifyReport{}, err
	}
	return s.verifier.Check(ctx, []models.Backup{*backup})
}

// Sweep runs one retention cycle.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	return s.sweeper.RunOnce(ctx)
}

// ResumeReplication queues region copies left pending or failed.
func (s *Service) ResumeReplication(ctx context.Context) (int, error) {
	return s.replicator.ResumePending(ctx)
}

// GetBackup returns one backup.
func (s *Service) GetBackup(ctx context.Context, id string) (*models.Backup, error) {
	backup, err := s.catalog.GetBackup(ctx, strings.TrimSpace(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, errorf(KindNotFound, "get backup", "backup %s not found", id)
	}
	return backup, err
}

// ListBackups lists catalog rows.
func (s *Service) ListBackups(ctx context.Context, filter store.BackupFilter) ([]models.Backup, error) {
	if filter.ContractID != "" {
		if err := models.ValidateContractID(filter.ContractID); err != nil {
			return nil, newError(KindValidation, "list backups", err)
		}
	}
	return s.catalog.ListBackups(ctx, filter)
}

// Pin exempts a backup from retention.
func (s *Service) Pin(ctx context.Context, id, actor string) (*models.Backup, error) {
	return s.setPinned(ctx, id, actor, true)
}

// Unpin returns a backup to normal retention.
func (s *Service) Unpin(ctx context.Context, id, actor string) (*models.Backup, error) {
	return s.setPinned(ctx, id, actor, false)
}

func (s *Service) setPinned(ctx context.Context, id, actor string, pinned bool) (*models.Backup, error) {
	op, verb := models.AuditPin, "pin"
	if !pinned {
		op, verb = models.AuditUnpin, "unpin"
	}
	backup, err := s.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.SetPinned(ctx, backup.ID, pinned); err != nil {
		return nil, fmt.Errorf("%s backup %s: %w", verb, backup.ID, err)
	}
	backup.IsPinned = pinned
	s.capturer.audit.record(ctx, models.AuditEntry{
		Operation:  op,
		BackupID:   backup.ID,
		ContractID: backup.ContractID,
		Actor:      actor,
	})
	return backup, nil
}

// Stats summarizes the catalog.
func (s *Service) Stats(ctx context.Context) (*models.Stats, error) {
	return s.catalog.Stats(ctx)
}

// Audit queries the audit log.
func (s *Service) Audit(ctx context.Context, filter store.AuditFilter) ([]models.AuditEntry, error) {
	return s.catalog.ListAudit(ctx, filter)
}

// Restorations lists restore history.
func (s *Service) Restorations(ctx context.Context, contractID string, limit int) ([]models.Restoration, error) {
	return s.catalog.ListRestorations(ctx, contractID, limit)
}

// auditor appends audit entries. Failures are logged; the audited operation
// has already happened.
type auditor struct {
	catalog store.BackupStore
	clock   clock.Clock
	logger  *slog.Logger
}

func (a *auditor) record(ctx context.Context, entry models.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = a.clock.Now().UTC()
	}
	if err := a.catalog.AppendAudit(context.WithoutCancel(ctx), &entry); err != nil {
		a.logger.ErrorContext(ctx, "audit append failed",
			"operation", string(entry.Operation),
			"contract_id", entry.ContractID,
			"backup_id", entry.BackupID,
			"error", err,
		)
	}
}
