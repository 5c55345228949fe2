package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ctbackup/internal/config"
	"ctbackup/internal/models"
	"ctbackup/internal/registry"
)

func newRegistryCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect or seed the local contract registry",
	}

	cmd.AddCommand(
		newRegistryListCmd(cfg, jsonOutput),
		newRegistryShowCmd(cfg, jsonOutput),
		newRegistryApplyCmd(cfg),
	)
	return cmd
}

func openRegistry(cfg *config.Config) (*registry.FileRegistry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return registry.NewFileRegistry(cfg.RegistryDir)
}

func newRegistryListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			ids, err := reg.ListContracts(cmd.Context())
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(ids)
			}
			if len(ids) == 0 {
				return writePlain("no contracts\n")
			}
			return writePlain("%s\n", strings.Join(ids, "\n"))
		},
	}
}

func newRegistryShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show the live manifest of a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			manifest, err := reg.GetManifest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(manifest)
			}
			out, err := yaml.Marshal(manifest)
			if err != nil {
				return err
			}
			return writePlain("%s", out)
		},
	}
}

func newRegistryApplyCmd(cfg *config.Config) *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "apply <manifest.yaml>",
		Short: "Write a manifest (and optional ledger state) into the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := readManifestFile(args[0])
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			if err := reg.ApplyManifest(cmd.Context(), manifest.ContractID, manifest); err != nil {
				return err
			}
			if statePath != "" {
				state, err := os.ReadFile(statePath)
				if err != nil {
					return err
				}
				if err := reg.PutState(cmd.Context(), manifest.ContractID, state); err != nil {
					return err
				}
			}
			return writePlain("applied %s version %s\n", manifest.ContractID, manifest.Version)
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "file holding ledger state to store with the contract")
	return cmd
}

func readManifestFile(path string) (models.Manifest, error) {
	var manifest models.Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, err
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return manifest, fmt.Errorf("%s: %w", path, err)
	}
	return manifest, nil
}
