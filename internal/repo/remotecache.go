package repo

import (
	"context"

	"github.com/rohankatakam/pijugo/internal/config"
	"github.com/rohankatakam/pijugo/internal/ident"
	"github.com/rohankatakam/pijugo/internal/patch"
	"github.com/rohankatakam/pijugo/internal/remotecache"
)

// RemoteCache indexes patches a transport has fetched but this repo
// has not yet applied, so a future pull/push implementation can ask
// "do I already have this one" without touching the pristine store.
// It never competes with .pijul/patches/*.gz as the source of truth —
// an entry here with no matching envelope file is simply stale and
// safe to re-fetch.
type RemoteCache struct {
	store remotecache.Store
}

// OpenRemoteCache opens the cache backend named by cfg.Remote, or
// returns (nil, nil) when no DSN is configured. config.Default sets a
// local sqlite DSN, so the cache is on unless CacheDSN is cleared;
// spec.md frames transports as out of scope and this cache as their
// future plumbing, not a required component.
func OpenRemoteCache(cfg *config.Config) (*RemoteCache, error) {
	if cfg.Remote.CacheDSN == "" {
		return nil, nil
	}
	store, err := remotecache.Open(cfg.Remote.CacheDriver, cfg.Remote.CacheDSN)
	if err != nil {
		return nil, err
	}
	return &RemoteCache{store: store}, nil
}

// Close releases the cache backend's connection.
func (c *RemoteCache) Close() error {
	if c == nil {
		return nil
	}
	return c.store.Close()
}

// Record indexes a fetched patch envelope without applying it.
func (c *RemoteCache) Record(ctx context.Context, hash ident.Hash, p *patch.Patch, sizeBytes int64, fetchedAt int64) error {
	deps := make([]string, len(p.Dependencies))
	for i, d := range p.Dependencies {
		deps[i] = d.String()
	}
	return c.store.Put(ctx, remotecache.Entry{
		Hash:         hash.String(),
		Name:         p.Header.Name,
		Description:  p.Header.Description,
		Authors:      p.Header.Authors,
		Timestamp:    p.Header.Timestamp.Unix(),
		Dependencies: deps,
		SizeBytes:    sizeBytes,
		FetchedAt:    fetchedAt,
	})
}

// Pending lists cached patches not yet marked applied, oldest first —
// a transport's natural fetch-then-apply work queue.
func (c *RemoteCache) Pending(ctx context.Context) ([]remotecache.Entry, error) {
	return c.store.Pending(ctx)
}

// MarkApplied flags a cached entry as applied, once Repo.Apply has
// committed it to the pristine store.
func (c *RemoteCache) MarkApplied(ctx context.Context, hash ident.Hash) error {
	return c.store.MarkApplied(ctx, hash.String())
}

// Evict drops a cache entry, e.g. after its envelope file is removed
// by Repo.Unrecord and it is no longer referenced anywhere.
func (c *RemoteCache) Evict(ctx context.Context, hash ident.Hash) error {
	return c.store.Delete(ctx, hash.String())
}
