package main

import (
	"github.com/spf13/cobra"

	"ctbackup/internal/backup"
	"ctbackup/internal/config"
	"ctbackup/internal/models"
	"ctbackup/internal/store"
)

func newCreateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		includeState bool
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "create <contract-id>",
		Short: "Capture a backup of a contract now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				a.drain = wait
				result, err := a.service.Capture(cmd.Context(), args[0], backup.CreateOptions{
					IncludeState: includeState || cfg.Backup.IncludeState,
					Trigger:      models.TriggerManual,
					Actor:        currentActor(),
				})
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(result)
				}
				if result.Deduplicated {
					if err := writePlain("content unchanged; shares %s with an earlier backup\n", result.Backup.ContentHash); err != nil {
						return err
					}
				}
				return writeBackupDetail(*result.Backup)
			})
		},
	}

	cmd.Flags().BoolVar(&includeState, "include-state", false, "include ledger state in the snapshot")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for replica copies before exiting")
	return cmd
}

func newListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		contractID string
		status     string
		since      string
		until      string
		pinned     bool
		all        bool
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.BackupFilter{
				ContractID:        contractID,
				PinnedOnly:        pinned,
				ExcludeSuperseded: !all,
				Limit:             limit,
				Offset:            offset,
			}
			if status != "" {
				parsed, err := models.ParseVerificationStatus(status)
				if err != nil {
					return err
				}
				filter.Statuses = []models.VerificationStatus{parsed}
			}
			var err error
			if filter.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if filter.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			return withApp(cfg, func(a *app) error {
				backups, err := a.service.ListBackups(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(backups)
				}
				return writeBackupList(backups)
			})
		},
	}

	cmd.Flags().StringVar(&contractID, "contract", "", "contract id filter")
	cmd.Flags().StringVar(&status, "status", "", "verification status filter (unverified|verified|corrupt)")
	cmd.Flags().StringVar(&since, "since", "", "created at or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "created at or before (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&pinned, "pinned", false, "only pinned backups")
	cmd.Flags().BoolVar(&all, "all", false, "include backups superseded by a repair")
	cmd.Flags().IntVar(&limit, "limit", 0, "limit results")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset results")

	return cmd
}

func newShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Show a backup and its replication state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				b, err := a.service.GetBackup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(b)
				}
				return writeBackupDetail(*b)
			})
		},
	}
}

func newPinCmd(cfg *config.Config, jsonOutput *bool, pin bool) *cobra.Command {
	use, short := "pin <backup-id>", "Exempt a backup from retention"
	if !pin {
		use, short = "unpin <backup-id>", "Return a backup to normal retention"
	}

	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				var (
					b   *models.Backup
					err error
				)
				if pin {
					b, err = a.service.Pin(cmd.Context(), args[0], currentActor())
				} else {
					b, err = a.service.Unpin(cmd.Context(), args[0], currentActor())
				}
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(b)
				}
				return writePlain("%s pinned=%t\n", b.ID, b.IsPinned)
			})
		},
	}
}
