package main

import (
	"time"

	"github.com/spf13/cobra"

	"ctbackup/internal/backup"
	"ctbackup/internal/config"
)

func newRestoreCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		at         string
		preRestore bool
	)

	cmd := &cobra.Command{
		Use:   "restore <contract-id>",
		Short: "Restore a contract from its latest verified backup at or before a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := time.Now().UTC()
			parsed, err := parseTimeFlag("at", at)
			if err != nil {
				return err
			}
			if parsed != nil {
				target = *parsed
			}

			opts := backup.RestoreOptions{Actor: currentActor()}
			if cmd.Flags().Changed("pre-restore") {
				opts.PreRestoreCapture = &preRestore
			}

			return withApp(cfg, func(a *app) error {
				result, err := a.service.Restore(cmd.Context(), args[0], target, opts)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(result)
				}
				if err := writePlain("restored %s from %s (%s, region %s) in %s\n",
					result.Backup.ContractID, result.Backup.ID, formatTime(result.Backup.CreatedAt),
					result.SourceRegion, result.Duration.Round(time.Millisecond)); err != nil {
					return err
				}
				if result.PreRestoreBackupID != "" {
					return writePlain("pre-restore backup: %s\n", result.PreRestoreBackupID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "restore point (RFC3339 or YYYY-MM-DD); defaults to now")
	cmd.Flags().BoolVar(&preRestore, "pre-restore", false, "capture the live state before restoring (overrides backup.pre_restore_capture)")
	return cmd
}

func newRestorationsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "restorations <contract-id>",
		Short: "Show restore history of a contract, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				rows, err := a.service.Restorations(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(rows)
				}
				return writeRestorations(rows)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "limit results")
	return cmd
}
