// Package cache keeps recently read posting-list blocks in Redis for the
// query service. Concurrent misses for the same block share one read.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	pkgredis "github.com/Adithya-Monish-Kumar-K/plistore/pkg/redis"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "plist:block:"

// Backend is the subset of the Redis client the cache uses.
type Backend interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type BlockCache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

func New(backend Backend, ttl time.Duration) *BlockCache {
	return &BlockCache{
		backend: backend,
		ttl:     ttl,
		logger:  slog.Default().With("component", "block-cache"),
	}
}

// Cached values start with a marker byte so missing blocks are cached too.
const (
	entryAbsent  byte = 0
	entryPresent byte = 1
)

func (c *BlockCache) get(ctx context.Context, key string) ([]byte, bool) {
	data, err := c.backend.GetBytes(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	if len(data) == 0 {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	if data[0] == entryAbsent {
		return nil, true
	}
	return data[1:], true
}

func (c *BlockCache) set(ctx context.Context, key string, block []byte) {
	value := []byte{entryAbsent}
	if block != nil {
		value = make([]byte, 1+len(block))
		value[0] = entryPresent
		copy(value[1:], block)
	}
	if err := c.backend.SetBytes(ctx, key, value, c.ttl); err != nil {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrRead returns the cached block or calls read, caching its result. A nil
// block (missing in the index) is cached as well. The bool reports a hit.
func (c *BlockCache) GetOrRead(
	ctx context.Context,
	listID, blockID uint32,
	headers bool,
	read func() ([]byte, error),
) ([]byte, bool, error) {
	key := buildKey(listID, blockID, headers)
	if block, ok := c.get(ctx, key); ok {
		return block, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		block, err := read()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, block)
		return block, nil
	})
	if err != nil {
		return nil, false, err
	}
	block, _ := val.([]byte)
	return block, false, nil
}

// Invalidate drops every cached block. Called after the main index changed.
func (c *BlockCache) Invalidate(ctx context.Context) error {
	deleted, err := c.backend.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating block cache: %w", err)
	}
	c.logger.Info("block cache invalidated", "keys_deleted", deleted)
	return nil
}

func (c *BlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func buildKey(listID, blockID uint32, headers bool) string {
	h := 0
	if headers {
		h = 1
	}
	return fmt.Sprintf("%s%d:%d:%d", keyPrefix, listID, blockID, h)
}
