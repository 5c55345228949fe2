package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ctbackup/internal/config"
	"ctbackup/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput bool
		outputName string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "ctbackup",
		Short:         "Back up, verify and restore smart-contract registry snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			if outputName != "" {
				formatter, err := format.ForName(outputName)
				if err != nil {
					return err
				}
				outputFormatter = formatter
				jsonOutput = true
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVarP(&outputName, "output", "o", "", "structured output format (json|yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		newRunCmd(cfg),
		newCreateCmd(cfg, &jsonOutput),
		newListCmd(cfg, &jsonOutput),
		newShowCmd(cfg, &jsonOutput),
		newPinCmd(cfg, &jsonOutput, true),
		newPinCmd(cfg, &jsonOutput, false),
		newRestoreCmd(cfg, &jsonOutput),
		newRestorationsCmd(cfg, &jsonOutput),
		newVerifyCmd(cfg, &jsonOutput),
		newSweepCmd(cfg, &jsonOutput),
		newReplicateCmd(cfg, &jsonOutput),
		newStatsCmd(cfg, &jsonOutput),
		newAuditCmd(cfg, &jsonOutput),
		newRegistryCmd(cfg, &jsonOutput),
		newConfigCmd(cfg),
		newMigrateCmd(cfg, &jsonOutput),
	)

	return cmd
}
