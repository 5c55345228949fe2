package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/im7mortal/kmutex"
)

const (
	casAlgorithmPrefix = "sha256"
)

var digestRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// LocalCAS stores blob bytes in a local content-addressed tree.
type LocalCAS struct {
	root  string
	locks *kmutex.Kmutex
}

var _ BlobStore = (*LocalCAS)(nil)

// NewLocalCAS creates a local CAS rooted at root.
func NewLocalCAS(root string) (*LocalCAS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("local cas root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &LocalCAS{root: abs, locks: kmutex.New()}, nil
}

// Root returns the absolute directory holding the tree.
func (c *LocalCAS) Root() string {
	return c.root
}

// Put streams bytes, computes SHA-256, and stores content by digest.
//
// Concurrent puts of the same content are serialized per digest: the first
// writer renames its temp file into place and later writers discard theirs.
func (c *LocalCAS) Put(ctx context.Context, r io.Reader) (BlobPutResult, error) {
	var zero BlobPutResult
	if c == nil {
		return zero, fmt.Errorf("blob store is not configured")
	}
	if r == nil {
		return zero, fmt.Errorf("reader is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	tmpPath, digest, n, err := c.spool(r)
	if err != nil {
		return zero, err
	}
	defer os.Remove(tmpPath)

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	key := casKeyFromDigest(digest)
	dst := filepath.Join(c.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return zero, err
	}

	c.locks.Lock(digest)
	defer c.locks.Unlock(digest)

	if _, err := os.Stat(dst); err == nil {
		return BlobPutResult{SHA256: digest, SizeBytes: n, BlobKey: key}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return zero, err
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return zero, err
	}

	return BlobPutResult{SHA256: digest, SizeBytes: n, BlobKey: key, Written: true}, nil
}

// Open returns a reader for the object with the given digest.
func (c *LocalCAS) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := c.pathFromDigest(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Replace overwrites the object for digest with bytes that hash to digest.
// It is used to repair a damaged copy from a healthy one.
func (c *LocalCAS) Replace(ctx context.Context, digest string, r io.Reader) error {
	if c == nil {
		return fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	digest = strings.ToLower(strings.TrimSpace(digest))
	dst, err := c.pathFromDigest(digest)
	if err != nil {
		return err
	}

	tmpPath, got, _, err := c.spool(r)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)
	if got != digest {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, digest, got)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	c.locks.Lock(digest)
	defer c.locks.Unlock(digest)
	return os.Rename(tmpPath, dst)
}

// Delete removes a blob object. Missing files are ignored.
func (c *LocalCAS) Delete(ctx context.Context, digest string) error {
	if c == nil {
		return fmt.Errorf("blob store is not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := c.pathFromDigest(digest)
	if err != nil {
		return err
	}

	c.locks.Lock(digest)
	defer c.locks.Unlock(digest)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Digests lists every stored digest in sorted order.
func (c *LocalCAS) Digests(ctx context.Context) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("blob store is not configured")
	}
	base := filepath.Join(c.root, casAlgorithmPrefix)
	out := []string{}
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if digestRegex.MatchString(d.Name()) {
			out = append(out, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (c *LocalCAS) spool(r io.Reader) (string, string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(c.root, "tmp"), "put-*")
	if err != nil {
		return "", "", 0, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		cleanup()
		return "", "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", "", 0, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", "", 0, err
	}
	return tmpPath, hex.EncodeToString(h.Sum(nil)), n, nil
}

func casKeyFromDigest(digest string) string {
	return fmt.Sprintf("%s/%s/%s/%s", casAlgorithmPrefix, digest[0:2], digest[2:4], digest)
}

func (c *LocalCAS) pathFromDigest(digest string) (string, error) {
	digest = strings.ToLower(strings.TrimSpace(digest))
	if !digestRegex.MatchString(digest) {
		return "", fmt.Errorf("invalid blob digest %q", digest)
	}
	return filepath.Join(c.root, filepath.FromSlash(casKeyFromDigest(digest))), nil
}
