package index

import (
	"context"
	"time"

	"github.com/jacktea/shardian/pkg/cache"
	"github.com/jacktea/shardian/pkg/manifest"
)

// CachedStore serves manifest reads from an LRU in front of another Store. Refcount and
// GC calls pass straight through.
type CachedStore struct {
	Store
	cache *cache.Cache[*manifest.FileManifest]
}

// NewCachedStore wraps s with an LRU of the given capacity and ttl.
func NewCachedStore(s Store, capacity int, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: s, cache: cache.New[*manifest.FileManifest](capacity, ttl)}
}

func (c *CachedStore) Put(ctx context.Context, m *manifest.FileManifest) error {
	if err := c.Store.Put(ctx, m); err != nil {
		return err
	}
	c.cache.Set(m.FileID, m)
	return nil
}

func (c *CachedStore) Get(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	if m, ok := c.cache.Get(fileID); ok {
		return m, nil
	}
	m, err := c.Store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	c.cache.Set(fileID, m)
	return m, nil
}

func (c *CachedStore) Delete(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	c.cache.Delete(fileID)
	return c.Store.Delete(ctx, fileID)
}

// Begin returns a transaction that invalidates every manifest it wrote on Commit.
func (c *CachedStore) Begin(ctx context.Context) (Txn, error) {
	txn, err := c.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &cachedTxn{Txn: txn, cache: c.cache}, nil
}

// Stats exposes the cache counters.
func (c *CachedStore) Stats() cache.Stats {
	return c.cache.Stats()
}

// Close stops the cache janitor and closes the wrapped store when it is closable.
func (c *CachedStore) Close() error {
	c.cache.Close()
	if closer, ok := c.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

type cachedTxn struct {
	Txn
	cache   *cache.Cache[*manifest.FileManifest]
	touched []string
}

func (t *cachedTxn) Put(ctx context.Context, m *manifest.FileManifest) error {
	t.touched = append(t.touched, m.FileID)
	return t.Txn.Put(ctx, m)
}

func (t *cachedTxn) Delete(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	t.touched = append(t.touched, fileID)
	return t.Txn.Delete(ctx, fileID)
}

func (t *cachedTxn) Commit(ctx context.Context) error {
	err := t.Txn.Commit(ctx)
	for _, id := range t.touched {
		t.cache.Delete(id)
	}
	return err
}
