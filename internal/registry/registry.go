// Package registry defines the contract registry collaborators the backup
// service reads from and restores into.
package registry

import (
	"context"
	"errors"

	"ctbackup/internal/models"
)

// ErrContractNotFound is returned when the registry has no such contract.
var ErrContractNotFound = errors.New("contract not found")

// Registry is the live contract registry.
type Registry interface {
	GetManifest(ctx context.Context, contractID string) (models.Manifest, error)
	// ApplyManifest replaces the live manifest atomically. On error the live
	// manifest is unchanged.
	ApplyManifest(ctx context.Context, contractID string, manifest models.Manifest) error
	ListContracts(ctx context.Context) ([]string, error)
}

// Ledger reads on-chain contract state.
type Ledger interface {
	FetchState(ctx context.Context, contractID string) ([]byte, error)
}
