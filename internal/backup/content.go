package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/im7mortal/kmutex"

	"ctbackup/internal/blobstore"
	"ctbackup/internal/store"
)

// ContentStore is the deduplicated, reference counted blob layer over the
// region stores. Every operation that creates or removes a blob, or decides
// whether one is referenced, holds the per-hash guard.
type ContentStore struct {
	regions *blobstore.RegionSet
	catalog store.BackupStore
	hashes  *kmutex.Kmutex
	logger  *slog.Logger
}

// NewContentStore builds a ContentStore.
func NewContentStore(regions *blobstore.RegionSet, catalog store.BackupStore, logger *slog.Logger) *ContentStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContentStore{
		regions: regions,
		catalog: catalog,
		hashes:  kmutex.New(),
		logger:  logger,
	}
}

// Regions returns the region set.
func (c *ContentStore) Regions() *blobstore.RegionSet {
	return c.regions
}

// Put stores data in the primary region. Identical content is written once.
func (c *ContentStore) Put(ctx context.Context, data []byte) (blobstore.BlobPutResult, error) {
	digest := blobstore.Digest(data)
	c.hashes.Lock(digest)
	defer c.hashes.Unlock(digest)
	return c.putPrimary(ctx, data)
}

// Commit stores data in the primary region and runs record while still
// holding the hash guard, so a concurrent release of the same content cannot
// remove the bytes between the write and the catalog commit. When record
// fails and nothing references the content, newly written bytes are removed.
func (c *ContentStore) Commit(ctx context.Context, data []byte, record func(ctx context.Context, put blobstore.BlobPutResult) error) (blobstore.BlobPutResult, error) {
	digest := blobstore.Digest(data)
	c.hashes.Lock(digest)
	defer c.hashes.Unlock(digest)

	put, err := c.putPrimary(ctx, data)
	if err != nil {
		return put, err
	}
	if err := ctx.Err(); err != nil {
		c.discard(put)
		return put, err
	}
	if err := record(ctx, put); err != nil {
		c.discard(put)
		return put, err
	}
	return put, nil
}

// Get reads a blob from one region and checks its digest.
func (c *ContentStore) Get(ctx context.Context, region, digest string) ([]byte, error) {
	bs, ok := c.regions.Store(region)
	if !ok {
		return nil, fmt.Errorf("unknown region %q", region)
	}
	data, err := blobstore.ReadAll(ctx, bs, digest)
	if err != nil {
		return nil, err
	}
	if got := blobstore.Digest(data); got != digest {
		return data, fmt.Errorf("%w: region %s holds %s for %s", blobstore.ErrDigestMismatch, region, got, digest)
	}
	return data, nil
}

// Copy replicates a blob from one region to another. Content that is no
// longer referenced is not copied.
func (c *ContentStore) Copy(ctx context.Context, digest, from, to string) error {
	dst, ok := c.regions.Store(to)
	if !ok {
		return fmt.Errorf("unknown region %q", to)
	}

	c.hashes.Lock(digest)
	defer c.hashes.Unlock(digest)

	referenced, err := c.catalog.BlobReferenced(ctx, digest)
	if err != nil {
		return err
	}
	if !referenced {
		return fmt.Errorf("blob %s: %w", digest, store.ErrNotFound)
	}

	data, err := c.Get(ctx, from, digest)
	if err != nil {
		return err
	}
	put, err := dst.Put(ctx, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if put.SHA256 != digest {
		return fmt.Errorf("%w: region %s stored %s for %s", blobstore.ErrDigestMismatch, to, put.SHA256, digest)
	}
	return nil
}

// Repair overwrites the copy of digest in region with known-good bytes.
func (c *ContentStore) Repair(ctx context.Context, digest, region string, good []byte) error {
	bs, ok := c.regions.Store(region)
	if !ok {
		return fmt.Errorf("unknown region %q", region)
	}
	c.hashes.Lock(digest)
	defer c.hashes.Unlock(digest)
	return bs.Replace(ctx, digest, bytes.NewReader(good))
}

// ReleaseBackup deletes an expired backup row if it is still eligible and
// physically removes its blob from every region once no backup references it.
func (c *ContentStore) ReleaseBackup(ctx context.Context, backupID, digest string, now time.Time) (store.DeleteResult, error) {
	c.hashes.Lock(digest)
	defer c.hashes.Unlock(digest)

	result, err := c.catalog.DeleteExpiredBackup(ctx, backupID, now)
	if err != nil || !result.BlobReleased {
		return result, err
	}
	return result, c.purge(ctx, digest)
}

// CollectOrphans deletes blob files that no catalog row references.
func (c *ContentStore) CollectOrphans(ctx context.Context) (int, error) {
	known, err := c.catalog.ListBlobDigests(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range c.regions.Names() {
		bs, _ := c.regions.Store(name)
		digests, err := bs.Digests(ctx)
		if err != nil {
			return removed, fmt.Errorf("list region %s: %w", name, err)
		}
		for _, digest := range digests {
			if _, ok := known[digest]; ok {
				continue
			}
			ok, err := c.removeIfUnreferenced(ctx, bs, digest)
			if err != nil {
				c.logger.WarnContext(ctx, "orphan removal failed", "region", name, "sha256", digest, "error", err)
				continue
			}
			if ok {
				removed++
			}
		}
	}
	return removed, nil
}

func (c *ContentStore) removeIfUnreferenced(ctx context.Context, bs blobstore.BlobStore, digest string) (bool, error) {
	c.hashes.Lock(digest)
	defer c.hashes.Unlock(digest)

	// Recheck under the guard: a capture may have committed since the listing.
	referenced, err := c.catalog.BlobReferenced(ctx, digest)
	if err != nil || referenced {
		return false, err
	}
	return true, bs.Delete(ctx, digest)
}

func (c *ContentStore) putPrimary(ctx context.Context, data []byte) (blobstore.BlobPutResult, error) {
	primary, _ := c.regions.Store(c.regions.Primary())
	return primary.Put(ctx, bytes.NewReader(data))
}

// discard removes bytes written for a capture that never committed. Caller
// holds the hash guard.
func (c *ContentStore) discard(put blobstore.BlobPutResult) {
	if !put.Written {
		return
	}
	ctx := context.Background()
	referenced, err := c.catalog.BlobReferenced(ctx, put.SHA256)
	if err != nil {
		c.logger.Warn("blob cleanup check failed, leaving it for orphan collection", "sha256", put.SHA256, "error", err)
		return
	}
	if referenced {
		return
	}
	primary, _ := c.regions.Store(c.regions.Primary())
	if err := primary.Delete(ctx, put.SHA256); err != nil {
		c.logger.Warn("blob cleanup failed, leaving it for orphan collection", "sha256", put.SHA256, "error", err)
	}
}

// purge removes digest from every region. Caller holds the hash guard.
func (c *ContentStore) purge(ctx context.Context, digest string) error {
	var errs []error
	for _, name := range c.regions.Names() {
		bs, _ := c.regions.Store(name)
		if err := bs.Delete(ctx, digest); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("region %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
