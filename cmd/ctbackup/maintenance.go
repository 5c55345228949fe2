package main

import (
	"github.com/spf13/cobra"

	"ctbackup/internal/backup"
	"ctbackup/internal/config"
	"ctbackup/internal/models"
	"ctbackup/internal/store"
)

func newVerifyCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var backupID string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored snapshots against their hashes and repair damaged copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				var (
					report backup.VerifyReport
					err    error
				)
				if backupID != "" {
					report, err = a.service.VerifyBackup(cmd.Context(), backupID)
				} else {
					report, err = a.service.Verify(cmd.Context())
				}
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(report)
				}
				return writePlain("checked %d: verified %d, corrupt %d, repaired %d, lost %d, skipped %d\n",
					report.Checked, report.Verified, report.Corrupt, report.Repaired, report.Lost, report.Skipped)
			})
		},
	}

	cmd.Flags().StringVar(&backupID, "backup", "", "verify a single backup now, ignoring the interval")
	return cmd
}

func newSweepCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply retention and collect unreferenced snapshot content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				report, err := a.service.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(report)
				}
				return writePlain("expired %d: deleted %d, kept %d, blobs purged %d, orphans removed %d, errors %d\n",
					report.Expired, report.Deleted, report.Kept, report.BlobsPurged, report.Orphans, report.Errors)
			})
		},
	}
}

func newReplicateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Retry pending and failed region copies and wait for them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				a.drain = true
				queued, err := a.service.ResumeReplication(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]int{"queued": queued})
				}
				return writePlain("queued %d region copies\n", queued)
			})
		},
	}
}

func newStatsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the backup catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				stats, err := a.service.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(stats)
				}
				return writeStats(*stats)
			})
		},
	}
}

func newAuditCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		contractID string
		backupID   string
		ops        []string
		since      string
		until      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log in order of occurrence",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.AuditFilter{ContractID: contractID, BackupID: backupID, Limit: limit}
			for _, raw := range ops {
				op, err := models.ParseAuditOperation(raw)
				if err != nil {
					return err
				}
				filter.Operations = append(filter.Operations, op)
			}
			var err error
			if filter.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if filter.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			return withApp(cfg, func(a *app) error {
				entries, err := a.service.Audit(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(entries)
				}
				return writeAudit(entries)
			})
		},
	}

	cmd.Flags().StringVar(&contractID, "contract", "", "contract id filter")
	cmd.Flags().StringVar(&backupID, "backup", "", "backup id filter")
	cmd.Flags().StringSliceVar(&ops, "op", nil, "operation filter (repeatable)")
	cmd.Flags().StringVar(&since, "since", "", "entries at or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "entries at or before (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&limit, "limit", 100, "limit results")

	return cmd
}
