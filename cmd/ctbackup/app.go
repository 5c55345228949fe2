package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ctbackup/internal/backup"
	"ctbackup/internal/blobstore"
	"ctbackup/internal/config"
	"ctbackup/internal/registry"
	"ctbackup/internal/store"
)

// app holds the opened catalog, regions and service for one command.
type app struct {
	cfg      *config.Config
	store    *store.Store
	regions  *blobstore.RegionSet
	registry *registry.FileRegistry
	service  *backup.Service
	metrics  *backup.Collector
	logger   *slog.Logger

	// drain makes Close wait for queued replication instead of leaving
	// pending copies for the next run to resume.
	drain bool
}

func openApp(cfg *config.Config) (*app, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path is required")
	}
	logger := slog.Default()

	logger.Debug("opening catalog", "path", cfg.DBPath)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	regions, err := blobstore.OpenLocalRegions(filepath.Join(cfg.DataDir, "regions"), cfg.Replication.PrimaryRegion, cfg.Replication.Regions)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reg, err := registry.NewFileRegistry(cfg.RegistryDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	metrics := backup.NewMetricsCollector()
	svc, err := backup.NewService(serviceConfig(cfg), backup.Deps{
		Catalog:  st,
		Regions:  regions,
		Registry: reg,
		Ledger:   reg,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    st,
		regions:  regions,
		registry: reg,
		service:  svc,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Close stops replication and closes the catalog. Unless drain is set,
// copies still queued or backing off stay pending in the catalog.
func (a *app) Close() error {
	var replErr error
	if a.drain {
		replErr = a.service.Close()
	} else {
		a.service.Kill()
		replErr = a.service.Replicator().Wait()
	}
	return errors.Join(replErr, a.store.Close())
}

// gatherer registers the service metrics with the Go runtime collectors.
func (a *app) gatherer() (prometheus.Gatherer, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(a.metrics); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	return reg, nil
}

func withApp(cfg *config.Config, fn func(*app) error) (err error) {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(a)
}

func serviceConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		RetentionWindow:   cfg.RetentionWindow(),
		MaxBlobBytes:      cfg.Backup.MaxBlobBytes,
		CaptureTimeout:    cfg.Backup.CaptureTimeout.Duration,
		RestoreTimeout:    cfg.Backup.RestoreTimeout.Duration,
		VerifyTimeout:     cfg.Backup.VerifyTimeout.Duration,
		VerifyInterval:    cfg.Schedule.VerifyInterval.Duration,
		PreRestoreCapture: cfg.Backup.PreRestoreCapture,
		Parallelism:       cfg.Backup.Parallelism,
		Replication: backup.ReplicationConfig{
			MaxAttempts:  cfg.Replication.MaxAttempts,
			InitialDelay: cfg.Replication.InitialDelay.Duration,
			MaxDelay:     cfg.Replication.MaxDelay.Duration,
			QueueSize:    cfg.Replication.QueueSize,
			Workers:      cfg.Replication.Workers,
		},
	}
}

// currentActor names the operator recorded in audit and restore history.
func currentActor() string {
	if name := os.Getenv("CTBACKUP_ACTOR"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}
