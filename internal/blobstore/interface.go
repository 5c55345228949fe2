package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
)

// ErrNotFound is returned when a region holds no object for a digest.
var ErrNotFound = errors.New("blob not found")

// ErrDigestMismatch is returned when bytes do not hash to the expected digest.
var ErrDigestMismatch = errors.New("blob digest mismatch")

// BlobPutResult describes one persisted blob payload.
type BlobPutResult struct {
	SHA256    string
	SizeBytes int64
	BlobKey   string
	// Written is false when an identical object was already present.
	Written bool
}

// BlobStore is the byte storage of one region, addressed by SHA-256 digest.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (BlobPutResult, error)
	Open(ctx context.Context, digest string) (io.ReadCloser, error)
	Replace(ctx context.Context, digest string, r io.Reader) error
	Delete(ctx context.Context, digest string) error
	Digests(ctx context.Context) ([]string, error)
}

// Digest returns the lowercase hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadAll reads one object fully.
func ReadAll(ctx context.Context, store BlobStore, digest string) ([]byte, error) {
	rc, err := store.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
