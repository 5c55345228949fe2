package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/im7mortal/kmutex"
	"gopkg.in/yaml.v3"

	"ctbackup/internal/models"
)

const (
	manifestDir = "manifests"
	stateDir    = "state"
	manifestExt = ".yaml"
	stateExt    = ".json"
)

// FileRegistry keeps manifests as YAML files and ledger state as JSON files
// under one directory.
type FileRegistry struct {
	root  string
	locks *kmutex.Kmutex
}

var (
	_ Registry = (*FileRegistry)(nil)
	_ Ledger   = (*FileRegistry)(nil)
)

// NewFileRegistry opens or creates a registry rooted at root.
func NewFileRegistry(root string) (*FileRegistry, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("registry root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{manifestDir, stateDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, err
		}
	}
	return &FileRegistry{root: abs, locks: kmutex.New()}, nil
}

// GetManifest reads the live manifest of a contract.
func (r *FileRegistry) GetManifest(ctx context.Context, contractID string) (models.Manifest, error) {
	var manifest models.Manifest
	if err := ctx.Err(); err != nil {
		return manifest, err
	}
	path, err := r.path(manifestDir, contractID, manifestExt)
	if err != nil {
		return manifest, err
	}

	r.locks.Lock(contractID)
	data, err := os.ReadFile(path)
	r.locks.Unlock(contractID)
	if errors.Is(err, os.ErrNotExist) {
		return manifest, fmt.Errorf("%w: %s", ErrContractNotFound, contractID)
	}
	if err != nil {
		return manifest, err
	}

	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse manifest %s: %w", contractID, err)
	}
	if manifest.ContractID == "" {
		manifest.ContractID = contractID
	}
	return manifest, nil
}

// ApplyManifest writes the manifest via temp file and rename.
func (r *FileRegistry) ApplyManifest(ctx context.Context, contractID string, manifest models.Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if manifest.ContractID != contractID {
		return fmt.Errorf("manifest contract %q does not match %q", manifest.ContractID, contractID)
	}
	if err := manifest.Validate(); err != nil {
		return err
	}
	path, err := r.path(manifestDir, contractID, manifestExt)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return err
	}

	r.locks.Lock(contractID)
	defer r.locks.Unlock(contractID)
	return writeFileAtomic(path, data)
}

// PutState stores ledger state for a contract.
func (r *FileRegistry) PutState(ctx context.Context, contractID string, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := r.path(stateDir, contractID, stateExt)
	if err != nil {
		return err
	}
	r.locks.Lock(contractID)
	defer r.locks.Unlock(contractID)
	return writeFileAtomic(path, state)
}

// FetchState returns stored ledger state. Contracts without state files return
// empty state.
func (r *FileRegistry) FetchState(ctx context.Context, contractID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := r.path(stateDir, contractID, stateExt)
	if err != nil {
		return nil, err
	}
	r.locks.Lock(contractID)
	defer r.locks.Unlock(contractID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	return data, err
}

// ListContracts returns every contract with a manifest, sorted.
func (r *FileRegistry) ListContracts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(r.root, manifestDir))
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		id := strings.TrimSuffix(name, manifestExt)
		if models.ValidateContractID(id) != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *FileRegistry) path(dir, contractID, ext string) (string, error) {
	if err := models.ValidateContractID(contractID); err != nil {
		return "", err
	}
	return filepath.Join(r.root, dir, contractID+ext), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".apply-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
