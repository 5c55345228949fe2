package models

import (
	"fmt"
	"strings"
)

// Manifest is the registry's definition of a contract.
//
// Maps marshal with sorted keys so a manifest always serializes to the same
// bytes.
type Manifest struct {
	ContractID string            `json:"contract_id" yaml:"contract_id"`
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Version    string            `json:"version" yaml:"version"`
	Network    string            `json:"network,omitempty" yaml:"network,omitempty"`
	WasmHash   string            `json:"wasm_hash,omitempty" yaml:"wasm_hash,omitempty"`
	Schema     map[string]string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the manifest is complete enough to store or apply.
func (m Manifest) Validate() error {
	if err := ValidateContractID(m.ContractID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("manifest version is required")
	}
	for field, typ := range m.Schema {
		if strings.TrimSpace(field) == "" || strings.TrimSpace(typ) == "" {
			return fmt.Errorf("manifest schema entries need a field and a type")
		}
	}
	return nil
}
