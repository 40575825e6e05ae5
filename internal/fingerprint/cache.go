// Package fingerprint decides whether a source file changed since its last
// import without rehashing it. A fingerprint pairs (size, mtime) with the
// content hash observed when the file was last read; a hit means the stored
// hash is still trusted. An in-memory LRU fronts the database table so hot
// re-imports skip the query too.
package fingerprint

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/localkb/localkb/internal/meta"
)

const defaultCacheSize = 4096

type cached struct {
	sizeBytes   int64
	mtimeMS     int64
	contentHash string
}

// Cache answers "is this file unchanged" lookups for one knowledge base.
type Cache struct {
	store *meta.Store
	lru   *lru.Cache[string, cached]
}

// New creates a cache backed by the given metadata store.
func New(store *meta.Store) (*Cache, error) {
	l, err := lru.New[string, cached](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}
	return &Cache{store: store, lru: l}, nil
}

// Lookup returns the trusted content hash for sourcePath when its current
// size and mtime match the recorded fingerprint. ok is false on any miss or
// mismatch.
func (c *Cache) Lookup(ctx context.Context, sourcePath string, sizeBytes, mtimeMS int64) (contentHash string, ok bool, err error) {
	if entry, hit := c.lru.Get(sourcePath); hit {
		if entry.sizeBytes == sizeBytes && entry.mtimeMS == mtimeMS {
			return entry.contentHash, true, nil
		}
		return "", false, nil
	}

	fp, err := c.store.GetFingerprint(ctx, sourcePath)
	if err != nil {
		return "", false, err
	}
	if fp == nil {
		return "", false, nil
	}
	c.lru.Add(sourcePath, cached{sizeBytes: fp.SizeBytes, mtimeMS: fp.MtimeMS, contentHash: fp.ContentHash})
	if fp.SizeBytes == sizeBytes && fp.MtimeMS == mtimeMS {
		return fp.ContentHash, true, nil
	}
	return "", false, nil
}

// Remember records the fingerprint observed after a completed read. The
// database row is written by the import commit; this only refreshes the LRU.
func (c *Cache) Remember(sourcePath string, sizeBytes, mtimeMS int64, contentHash string) {
	c.lru.Add(sourcePath, cached{sizeBytes: sizeBytes, mtimeMS: mtimeMS, contentHash: contentHash})
}

// Forget drops the cached entry for a path, e.g. after document deletion.
func (c *Cache) Forget(sourcePath string) {
	c.lru.Remove(sourcePath)
}
