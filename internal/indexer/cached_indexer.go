package indexer

import (
	"context"
)

// IndexerCache is a simple interface for storage, making it swappable.
type IndexerCache interface {
	Get(key string) ([]byte, error)
	Put(key string, data []byte) error
}

// CachedIndexer decorates an indexer so each release is downloaded once.
type CachedIndexer struct {
	inner Indexer
	cache IndexerCache
}

func NewCachedIndexer(inner Indexer, cache IndexerCache) *CachedIndexer {
	return &CachedIndexer{inner: inner, cache: cache}
}

func (c *CachedIndexer) Name() string { return c.inner.Name() }

func (c *CachedIndexer) DownloadNZB(ctx context.Context, id string) (*Download, error) {
	key := c.inner.Name() + ":" + id
	if data, err := c.cache.Get(key); err == nil {
		return &Download{Name: id, Data: data}, nil
	}

	dl, err := c.inner.DownloadNZB(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Put(key, dl.Data)
	return dl, nil
}
