package cache

import (
	"context"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string][]byte)}
}

func (b *memoryBackend) GetBytes(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, redis.Nil
	}
	return v, nil
}

func (b *memoryBackend) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *memoryBackend) FlushByPattern(ctx context.Context, pattern string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for k := range b.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(b.data, k)
			n++
		}
	}
	return n, nil
}

func TestGetOrReadCachesBlocks(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend(), time.Minute)
	reads := 0
	read := func() ([]byte, error) {
		reads++
		return []byte("body"), nil
	}

	block, hit, err := c.GetOrRead(ctx, 1, 0, false, read)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("body"), block)

	block, hit, err = c.GetOrRead(ctx, 1, 0, false, read)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("body"), block)
	assert.Equal(t, 1, reads)

	_, hit, err = c.GetOrRead(ctx, 1, 0, true, read)
	require.NoError(t, err)
	assert.False(t, hit, "headers and bodies are cached separately")

	hits, misses := c.Stats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 2, misses)
}

func TestGetOrReadCachesMissingBlocks(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend(), time.Minute)
	read := func() ([]byte, error) { return nil, nil }

	_, _, err := c.GetOrRead(ctx, 9, 9, false, read)
	require.NoError(t, err)
	block, hit, err := c.GetOrRead(ctx, 9, 9, false, read)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Nil(t, block)
}

func TestGetOrReadDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	c := New(newMemoryBackend(), time.Minute)

	_, _, err := c.GetOrRead(ctx, 1, 0, false, func() ([]byte, error) {
		return nil, errors.New("disk gone")
	})
	require.Error(t, err)

	block, hit, err := c.GetOrRead(ctx, 1, 0, false, func() ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("ok"), block)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	c := New(backend, time.Minute)
	read := func() ([]byte, error) { return []byte("x"), nil }

	for list := uint32(0); list < 3; list++ {
		_, _, err := c.GetOrRead(ctx, list, 0, false, read)
		require.NoError(t, err)
	}
	require.NoError(t, backend.SetBytes(ctx, "unrelated", []byte("keep"), 0))

	require.NoError(t, c.Invalidate(ctx))
	assert.Len(t, backend.data, 1)

	_, hit, err := c.GetOrRead(ctx, 0, 0, false, read)
	require.NoError(t, err)
	assert.False(t, hit)
}
