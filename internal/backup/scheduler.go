package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
	"gopkg.in/tomb.v2"

	"ctbackup/internal/models"
	"ctbackup/internal/registry"
)

const (
	DefaultCaptureInterval = 24 * time.Hour
	DefaultSweepInterval   = 24 * time.Hour
	DefaultParallelism     = 4
)

// SchedulerConfig encapsulates the configuration of the scheduler.
type SchedulerConfig struct {
	Service         *Service
	Registry        registry.Registry
	Clock           clock.Clock
	Logger          *slog.Logger
	CaptureInterval time.Duration
	VerifyInterval  time.Duration
	SweepInterval   time.Duration
	Parallelism     int
	IncludeState    bool
}

// Validate ensures that the config values are valid.
func (c *SchedulerConfig) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("missing service")
	}
	if c.Registry == nil {
		return fmt.Errorf("missing registry")
	}
	if c.Clock == nil {
		return fmt.Errorf("missing clock")
	}
	if c.Logger == nil {
		return fmt.Errorf("missing logger")
	}
	if c.CaptureInterval <= 0 || c.VerifyInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	return nil
}

// CaptureCycleReport summarizes one scheduled capture pass.
type CaptureCycleReport struct {
	Contracts    int `json:"contracts"`
	Captured     int `json:"captured"`
	Deduplicated int `json:"deduplicated"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// Scheduler drives daily captures, verification and retention. Each cycle
// runs on its own goroutine so a long verify or sweep never delays captures.
// Captures run on a bounded pool.
type Scheduler struct {
	tomb tomb.Tomb
	cfg  SchedulerConfig
}

// NewScheduler validates cfg and starts the loops. The first capture pass
// runs immediately; verify and sweep wait one interval.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{cfg: cfg}
	s.tomb.Go(s.every("capture", 0, cfg.CaptureInterval, s.captureCycle))
	s.tomb.Go(s.every("verify", cfg.VerifyInterval, cfg.VerifyInterval, func(ctx context.Context) error {
		_, err := s.cfg.Service.Verify(ctx)
		return err
	}))
	s.tomb.Go(s.every("sweep", cfg.SweepInterval, cfg.SweepInterval, func(ctx context.Context) error {
		_, err := s.cfg.Service.Sweep(ctx)
		return err
	}))
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Scheduler) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scheduler) Wait() error {
	return s.tomb.Wait()
}

// every returns a loop that runs cycle after first and then every interval
// until the scheduler dies.
func (s *Scheduler) every(name string, first, interval time.Duration, cycle func(context.Context) error) func() error {
	return func() error {
		timer := s.cfg.Clock.NewTimer(first)
		defer timer.Stop()

		for {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			case <-timer.Chan():
				ctx := s.tomb.Context(context.Background())
				if err := cycle(ctx); err != nil {
					s.cfg.Logger.ErrorContext(ctx, name+" cycle failed", "error", err)
				}
				timer.Reset(interval)
			}
		}
	}
}

func (s *Scheduler) captureCycle(ctx context.Context) error {
	_, captureErr := s.RunCaptureCycle(ctx)
	n, err := s.cfg.Service.ResumeReplication(ctx)
	if err != nil {
		return errors.Join(captureErr, fmt.Errorf("resume replication: %w", err))
	}
	if n > 0 {
		s.cfg.Logger.InfoContext(ctx, "resumed replication", "jobs", n)
	}
	return captureErr
}

// RunCaptureCycle captures every registry contract once. A contract already
// captured today is skipped.
func (s *Scheduler) RunCaptureCycle(ctx context.Context) (CaptureCycleReport, error) {
	contracts, err := s.cfg.Registry.ListContracts(ctx)
	if err != nil {
		return CaptureCycleReport{}, err
	}

	var mu sync.Mutex
	report := CaptureCycleReport{Contracts: len(contracts)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, contractID := range contracts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			result, err := s.cfg.Service.Capture(gctx, contractID, CreateOptions{
				IncludeState: s.cfg.IncludeState,
				Trigger:      models.TriggerScheduled,
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				s.cfg.Logger.WarnContext(gctx, "scheduled capture failed", "contract_id", contractID, "error", err)
			case result.Skipped:
				report.Skipped++
			default:
				report.Captured++
				if result.Deduplicated {
					report.Deduplicated++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	s.cfg.Logger.InfoContext(ctx, "capture cycle finished",
		"contracts", report.Contracts,
		"captured", report.Captured,
		"deduplicated", report.Deduplicated,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}
