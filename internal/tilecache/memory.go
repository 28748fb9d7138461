// Package tilecache provides source.Cache implementations for encoded tiles.
package tilecache

import (
	"context"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/printclip/internal/source"
)

// DefaultTTL is how long a tile stays in the memory cache
const DefaultTTL = 30 * time.Minute

// Memory is an in-process LRU tile cache. Concurrent misses for the same tile
// share one load.
type Memory struct {
	tiles    *ccache.Cache[[]byte]
	inflight singleflight.Group
	ttl      time.Duration
	next     source.Cache
}

// MemoryOption configures a Memory cache
type MemoryOption func(*Memory)

// WithTTL sets the item lifetime
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.ttl = ttl
	}
}

// WithNext consults next on a miss, e.g. a disk cache
func WithNext(next source.Cache) MemoryOption {
	return func(m *Memory) {
		m.next = next
	}
}

// NewMemory creates a cache holding at most maxTiles tiles
func NewMemory(maxTiles int64, opts ...MemoryOption) *Memory {
	if maxTiles <= 0 {
		maxTiles = 1024
	}
	prune := uint32(maxTiles / 10)
	if prune == 0 {
		prune = 1
	}
	m := &Memory{
		tiles: ccache.New(ccache.Configure[[]byte]().MaxSize(maxTiles).ItemsToPrune(prune)),
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Fetch implements source.Cache. Concurrent callers share one load, which
// runs detached from their contexts; each caller stops waiting when its own
// context ends. The load itself is bounded by the loader's timeouts.
func (m *Memory) Fetch(ctx context.Context, key source.Key, load func(context.Context) ([]byte, error)) ([]byte, error) {
	k := cacheKey(key)
	if item := m.tiles.Get(k); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := m.inflight.DoChan(k, func() (interface{}, error) {
		if item := m.tiles.Get(k); item != nil && !item.Expired() {
			return item.Value(), nil
		}

		var data []byte
		var err error
		if m.next != nil {
			data, err = m.next.Fetch(loadCtx, key, load)
		} else {
			data, err = load(loadCtx)
		}
		if err != nil {
			return nil, err
		}
		m.tiles.Set(k, data, m.ttl)
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Len returns the number of cached tiles
func (m *Memory) Len() int {
	return m.tiles.ItemCount()
}

// Close stops the cache's background worker
func (m *Memory) Close() error {
	m.tiles.Stop()
	return nil
}

func cacheKey(key source.Key) string {
	return fmt.Sprintf("%s/%d/%d/%d", key.Provider, key.Coordinate.Z, key.Coordinate.X, key.Coordinate.Y)
}
