package slide

import (
	"context"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/lru"

	"github.com/qri-io/bioimg/logging"
	"github.com/qri-io/bioimg/ndarray"
)

// LevelCache memoizes whole levels of a slide as YXC arrays. It is bounded
// by the number of levels held and by their total size in bytes; the least
// recently used level goes first.
type LevelCache struct {
	slide    *Slide
	maxBytes int64

	mu    sync.Mutex
	lru   *lru.Cache
	bytes int64
	hits  int64
	reads int64
}

// NewLevelCache caches at most maxLevels levels of s. A maxBytes of zero
// bounds the cache by level count alone.
func NewLevelCache(s *Slide, maxLevels int, maxBytes int64) *LevelCache {
	c := &LevelCache{slide: s, maxBytes: maxBytes, lru: lru.New(maxLevels)}
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		c.bytes -= int64(size.Of(value))
		logging.Debugf("Evicted level %v from cache, %s held\n", key, humanize.Bytes(uint64(c.bytes)))
	}
	return c
}

// Level returns level lvl, reading it from the store on a miss.
func (c *LevelCache) Level(ctx context.Context, lvl int) (*ndarray.Array, error) {
	c.mu.Lock()
	c.reads++
	if v, ok := c.lru.Get(lvl); ok {
		c.hits++
		c.mu.Unlock()
		return v.(*ndarray.Array), nil
	}
	c.mu.Unlock()

	img, err := c.slide.readLevel(ctx, lvl)
	if err != nil {
		return nil, err
	}

	n := int64(size.Of(img))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 && n > c.maxBytes {
		logging.Debugf("Level %d needs %s, more than the cache holds\n", lvl, humanize.Bytes(uint64(n)))
		return img, nil
	}
	if _, ok := c.lru.Get(lvl); !ok {
		c.lru.Add(lvl, img)
		c.bytes += n
	}
	for c.maxBytes > 0 && c.bytes > c.maxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
	return img, nil
}

// Invalidate drops every cached level, for use after the group changed.
func (c *LevelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
	c.bytes = 0
}

// Len is the number of cached levels.
func (c *LevelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes is the accounted size of the cached levels.
func (c *LevelCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// HitRate is the fraction of Level calls served from the cache.
func (c *LevelCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reads == 0 {
		return 0
	}
	return float64(c.hits) / float64(c.reads)
}
