package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"ctbackup/internal/backup"
	"ctbackup/internal/config"
	"ctbackup/internal/server"
)

func newRunCmd(cfg *config.Config) *cobra.Command {
	var noServer bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduled capture, verification and retention with the ops server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(cfg, func(a *app) error {
				logger := a.logger.With("component", "daemon")

				if n, err := a.service.ResumeReplication(ctx); err != nil {
					return fmt.Errorf("resume replication: %w", err)
				} else if n > 0 {
					logger.Info("resumed replication", "jobs", n)
				}

				sched, err := backup.NewScheduler(schedulerConfig(cfg, a))
				if err != nil {
					return err
				}
				defer func() {
					sched.Kill()
					if err := sched.Wait(); err != nil {
						logger.Error("scheduler stopped", "error", err)
					}
				}()

				if noServer {
					<-ctx.Done()
					logger.Info("shutting down")
					return nil
				}

				addr, err := server.ListenAddr(cfg.MetricsAddr)
				if err != nil {
					return err
				}
				gatherer, err := a.gatherer()
				if err != nil {
					return err
				}
				srv := server.New(addr, a.service, gatherer, a.logger.With("component", "server"))
				if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				logger.Info("shutting down")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the ops HTTP server")
	return cmd
}

func schedulerConfig(cfg *config.Config, a *app) backup.SchedulerConfig {
	return backup.SchedulerConfig{
		Service:         a.service,
		Registry:        a.registry,
		Clock:           clock.WallClock,
		Logger:          a.logger.With("component", "scheduler"),
		CaptureInterval: cfg.Schedule.CaptureInterval.Duration,
		VerifyInterval:  cfg.Schedule.VerifyInterval.Duration,
		SweepInterval:   cfg.Schedule.SweepInterval.Duration,
		Parallelism:     cfg.Backup.Parallelism,
		IncludeState:    cfg.Backup.IncludeState,
	}
}

