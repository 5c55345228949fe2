package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"

	"ctbackup/internal/models"
	"ctbackup/internal/store"
)

// ReplicatorConfig encapsulates the configuration of the replication manager.
type ReplicatorConfig struct {
	Content      *ContentStore
	Catalog      store.BackupStore
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *Collector
	Alerter      Alerter
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	QueueSize    int
	Workers      int

	audit *auditor
}

// Validate ensures that the config values are valid.
func (c *ReplicatorConfig) Validate() error {
	if c.Content == nil {
		return fmt.Errorf("missing content store")
	}
	if c.Catalog == nil {
		return fmt.Errorf("missing catalog")
	}
	if c.Clock == nil {
		return fmt.Errorf("missing clock")
	}
	if c.Logger == nil {
		return fmt.Errorf("missing logger")
	}
	if c.Alerter == nil {
		return fmt.Errorf("missing alerter")
	}
	if c.MaxAttempts <= 0 || c.QueueSize <= 0 || c.Workers <= 0 {
		return fmt.Errorf("replication attempts, queue size and workers must be positive")
	}
	return nil
}

type replicaJob struct {
	BackupID    string
	ContractID  string
	ContentHash string
	Region      string
	Source      string
	Attempts    int
}

// Replicator copies new blobs from the primary region to every replica.
// Copies are queued and run by a fixed set of workers; a full queue leaves
// the region row pending for the next ResumePending.
type Replicator struct {
	tomb tomb.Tomb
	cfg  ReplicatorConfig

	mu       sync.Mutex
	closed   bool
	queue    chan replicaJob
	inflight map[string]struct{}
}

// NewReplicator validates cfg and starts the workers.
func NewReplicator(cfg ReplicatorConfig) (*Replicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.audit == nil {
		cfg.audit = &auditor{catalog: cfg.Catalog, clock: cfg.Clock, logger: cfg.Logger}
	}
	r := &Replicator{
		cfg:      cfg,
		queue:    make(chan replicaJob, cfg.QueueSize),
		inflight: make(map[string]struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		r.tomb.Go(r.loop)
	}
	return r, nil
}

// Kill stops the workers without draining the queue.
func (r *Replicator) Kill() {
	r.tomb.Kill(nil)
}

// Wait waits for the workers to exit.
func (r *Replicator) Wait() error {
	return r.tomb.Wait()
}

// Stop closes the queue and waits until queued jobs are processed.
func (r *Replicator) Stop() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	return r.tomb.Wait()
}

// Enqueue queues a copy without blocking. It reports false when the job was
// dropped; the region row stays pending or failed in that case.
func (r *Replicator) Enqueue(job replicaJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || !r.tomb.Alive() {
		return false
	}
	key := job.BackupID + "/" + job.Region
	if _, ok := r.inflight[key]; ok {
		return true
	}
	select {
	case r.queue <- job:
		r.inflight[key] = struct{}{}
		r.cfg.Metrics.queueDepth(len(r.queue))
		return true
	default:
		r.cfg.Logger.Warn("replication queue full, leaving region pending",
			"backup_id", job.BackupID, "region", job.Region)
		return false
	}
}

// ResumePending queues every pending or failed region copy. It returns the
// number of jobs queued.
func (r *Replicator) ResumePending(ctx context.Context) (int, error) {
	tasks, err := r.cfg.Catalog.ListReplicaTasks(ctx, []models.RegionState{models.RegionPending, models.RegionFailed}, 0)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, task := range tasks {
		if r.Enqueue(replicaJob{
			BackupID:    task.BackupID,
			ContractID:  task.ContractID,
			ContentHash: task.ContentHash,
			Region:      task.Region,
			Source:      task.PrimaryRegion,
			Attempts:    task.Attempts,
		}) {
			queued++
		}
	}
	return queued, nil
}

func (r *Replicator) loop() error {
	for {
		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case job, ok := <-r.queue:
			if !ok {
				return nil
			}
			r.cfg.Metrics.queueDepth(len(r.queue))
			ctx := r.tomb.Context(context.Background())
			if err := r.Replicate(ctx, job); err != nil {
				r.cfg.Logger.WarnContext(ctx, "replication did not complete",
					"backup_id", job.BackupID, "region", job.Region, "error", err)
			}
			r.mu.Lock()
			delete(r.inflight, job.BackupID+"/"+job.Region)
			r.mu.Unlock()
		}
	}
}

// Replicate copies one blob into one region, retrying with exponential
// backoff. When the attempts run out the region is marked degraded and an
// alert is raised.
func (r *Replicator) Replicate(ctx context.Context, job replicaJob) error {
	attempts := job.Attempts
	remaining := r.cfg.MaxAttempts - attempts
	if remaining <= 0 {
		return r.degrade(ctx, job, attempts, fmt.Errorf("no attempts left"))
	}

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return r.cfg.Content.Copy(ctx, job.ContentHash, job.Source, job.Region)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, store.ErrNotFound)
		},
		NotifyFunc: func(err error, attempt int) {
			attempts++
			lastErr = err
			r.cfg.Metrics.replication("retry")
			if updateErr := r.cfg.Catalog.UpdateRegionStatus(ctx, models.RegionStatus{
				BackupID:  job.BackupID,
				Region:    job.Region,
				State:     models.RegionFailed,
				Attempts:  attempts,
				LastError: err.Error(),
				UpdatedAt: r.cfg.Clock.Now().UTC(),
			}); updateErr != nil {
				r.cfg.Logger.WarnContext(ctx, "region status update failed", "backup_id", job.BackupID, "error", updateErr)
			}
			r.cfg.Logger.DebugContext(ctx, "replication attempt failed",
				"backup_id", job.BackupID, "region", job.Region, "attempt", attempts, "error", err)
		},
		Attempts:    remaining,
		Delay:       r.cfg.InitialDelay,
		MaxDelay:    r.cfg.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       r.cfg.Clock,
		Stop:        r.tomb.Dying(),
	})
	if err == nil {
		r.cfg.Metrics.replication("complete")
		if err := r.cfg.Catalog.UpdateRegionStatus(ctx, models.RegionStatus{
			BackupID:  job.BackupID,
			Region:    job.Region,
			State:     models.RegionComplete,
			Attempts:  attempts + 1,
			UpdatedAt: r.cfg.Clock.Now().UTC(),
		}); err != nil {
			return err
		}
		r.cfg.audit.record(ctx, models.AuditEntry{
			Operation:  models.AuditReplicate,
			BackupID:   job.BackupID,
			ContractID: job.ContractID,
			Detail:     fmt.Sprintf("copied to %s", job.Region),
		})
		return nil
	}

	if retry.IsAttemptsExceeded(err) {
		if lastErr == nil {
			lastErr = retry.LastError(err)
		}
		return r.degrade(ctx, job, attempts, lastErr)
	}
	// Stopped or unreferenced: the row is left for ResumePending or removed
	// with its backup.
	return err
}

func (r *Replicator) degrade(ctx context.Context, job replicaJob, attempts int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	r.cfg.Metrics.replication("degraded")
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	if err := r.cfg.Catalog.UpdateRegionStatus(ctx, models.RegionStatus{
		BackupID:  job.BackupID,
		Region:    job.Region,
		State:     models.RegionDegraded,
		Attempts:  attempts,
		LastError: lastError,
		UpdatedAt: r.cfg.Clock.Now().UTC(),
	}); err != nil {
		return err
	}
	r.cfg.audit.record(ctx, models.AuditEntry{
		Operation:  models.AuditDegrade,
		BackupID:   job.BackupID,
		ContractID: job.ContractID,
		Outcome:    models.OutcomeFailure,
		Detail:     fmt.Sprintf("region %s after %d attempts: %s", job.Region, attempts, lastError),
	})
	r.cfg.Alerter.Alert(ctx, Alert{
		Kind:       KindReplicationDegraded,
		ContractID: job.ContractID,
		BackupID:   job.BackupID,
		Region:     job.Region,
		Message:    "replication degraded",
		At:         r.cfg.Clock.Now().UTC(),
	})
	return errorf(KindReplicationDegraded, "replicate", "backup %s region %s: %s", job.BackupID, job.Region, lastError)
}
